package engine

import "errors"

// Error taxonomy returned by engine operations; test with errors.Is
var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrOrderNotFound         = errors.New("order not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrMatchingDisabled      = errors.New("matching disabled")
	ErrBuyDisabled           = errors.New("buy disabled")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrInsufficientOrderSize = errors.New("insufficient order size")
	ErrConfiguration         = errors.New("fee configuration error")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrPersist               = errors.New("persist failed")
)
