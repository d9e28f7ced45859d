package api

import (
	"github.com/uhyunpark/hyperbook/pkg/app/dex"
	"github.com/uhyunpark/hyperbook/pkg/events"
)

// API response types for REST endpoints and WebSocket messages.
// Token amounts are decimal strings; they can exceed 64 bits.

// ==============================
// REST Response Types
// ==============================

// MarketInfo is the market's current configuration
type MarketInfo struct {
	Address         string            `json:"address"` // escrow account
	Owner           string            `json:"owner"`
	FeeTo           string            `json:"feeTo"`
	ProtocolFeeBps  uint64            `json:"protocolFeeBps"`
	MakerFeeBps     uint64            `json:"makerFeeBps"`
	MatchingEnabled bool              `json:"matchingEnabled"`
	BuyEnabled      bool              `json:"buyEnabled"`
	MinSell         map[string]string `json:"minSell"` // asset -> dust floor
}

// BookLevel is one resting order in a book snapshot
type BookLevel struct {
	ID     uint64 `json:"id"`
	PayAmt string `json:"payAmt"`
	BuyAmt string `json:"buyAmt"`
	Owner  string `json:"owner"`
}

// BookSnapshot is both sides of asset/quote, best first.
// Asks pay asset for quote; bids pay quote for asset.
type BookSnapshot struct {
	Asset     string      `json:"asset"`
	Quote     string      `json:"quote"`
	Asks      []BookLevel `json:"asks"`
	Bids      []BookLevel `json:"bids"`
	AskDepth  int         `json:"askDepth"`
	BidDepth  int         `json:"bidDepth"`
	Height    int64       `json:"height"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}

type DepthResponse struct {
	PayGem string `json:"payGem"`
	BuyGem string `json:"buyGem"`
	Depth  int    `json:"depth"`
}

type BestOfferResponse struct {
	PayGem string            `json:"payGem"`
	BuyGem string            `json:"buyGem"`
	Found  bool              `json:"found"`
	Offer  *events.OrderView `json:"offer,omitempty"`
}

// QuoteResponse answers both quote directions; Gross is before fees
type QuoteResponse struct {
	PayGem string `json:"payGem"`
	BuyGem string `json:"buyGem"`
	PayAmt string `json:"payAmt"`
	Gross  string `json:"gross"`
	Net    string `json:"net,omitempty"`
}

type FeeResponse struct {
	Amount   string `json:"amount"`
	AfterFee string `json:"afterFee"`
}

// MakerBalanceResponse is a maker's locked (resting) and free balance of asset
type MakerBalanceResponse struct {
	Maker  string   `json:"maker"`
	Asset  string   `json:"asset"`
	Quotes []string `json:"quotes"`
	Locked string   `json:"locked"`
	Wallet string   `json:"wallet"`
}

type BalanceInfo struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AccountBalances struct {
	Address  string        `json:"address"`
	Balances []BalanceInfo `json:"balances"`
}

type NonceResponse struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"` // next expected nonce
}

// ChainStatus is the sequencer's progress
type ChainStatus struct {
	Height      int64  `json:"height"`
	StateHash   string `json:"stateHash"`
	MempoolSize int    `json:"mempoolSize"`
	Offers      int    `json:"offers"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage wraps every push to a client
type WSMessage struct {
	Type    string      `json:"type"` // "event", "book", "block", "subscribed", "unsubscribed"
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orders:0xA/0xB", "book:0xA/0xB", "account:0x...", "blocks"]
}

// BlockUpdate is pushed on the blocks channel for every non-empty block and
// served by GET /blocks/{height}
type BlockUpdate struct {
	Height    int64         `json:"height"`
	Time      int64         `json:"time"` // Unix milliseconds
	StateHash string        `json:"stateHash"`
	Receipts  []dex.Receipt `json:"receipts"`
}

// ==============================
// REST Request Types
// ==============================

// NOTE: state-changing requests are signed JSON transactions (EIP-712).
// See pkg/app/core/transaction/types.go for the SignedTransaction structure.

// DepositRequest is the payload for POST /api/v1/deposit (dev faucet only)
type DepositRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// SubmitTxResponse is the response from transaction submission
type SubmitTxResponse struct {
	Status string `json:"status"` // "queued"
	Hash   string `json:"hash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
