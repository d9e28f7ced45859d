package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
)

// Owner-gated configuration mutators. Each change is journaled and persisted
// like any other operation and takes effect for the next fill

func (e *Engine) SetFeeBPS(caller common.Address, bps uint64) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("set_fee_bps", func(a *market.Admin) error { return a.SetFeeBPS(caller, bps) })
	})
}

func (e *Engine) SetMakerFee(caller common.Address, bps uint64) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("set_maker_fee", func(a *market.Admin) error { return a.SetMakerFee(caller, bps) })
	})
}

func (e *Engine) SetFeeTo(caller, feeTo common.Address) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("set_fee_to", func(a *market.Admin) error { return a.SetFeeTo(caller, feeTo) })
	})
}

func (e *Engine) SetMatchingEnabled(caller common.Address, enabled bool) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("set_matching_enabled", func(a *market.Admin) error { return a.SetMatchingEnabled(caller, enabled) })
	})
}

func (e *Engine) SetBuyEnabled(caller common.Address, enabled bool) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("set_buy_enabled", func(a *market.Admin) error { return a.SetBuyEnabled(caller, enabled) })
	})
}

func (e *Engine) SetMinSell(caller, asset common.Address, amount *uint256.Int) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("set_min_sell", func(a *market.Admin) error { return a.SetMinSell(caller, asset, amount) })
	})
}

func (e *Engine) TransferOwnership(caller, next common.Address) error {
	return e.atomic(func(tx *txn) error {
		return tx.mutateAdmin("transfer_ownership", func(a *market.Admin) error { return a.TransferOwnership(caller, next) })
	})
}

// Deposit credits account from the bridge
func (e *Engine) Deposit(asset, account common.Address, amount *uint256.Int) error {
	return e.atomic(func(tx *txn) error {
		return tx.deposit(asset, account, amount)
	})
}

// Withdraw debits caller's free balance to the bridge; escrowed funds are not withdrawable
func (e *Engine) Withdraw(caller, asset common.Address, amount *uint256.Int) error {
	return e.atomic(func(tx *txn) error {
		return tx.withdraw(asset, caller, amount)
	})
}

// UseNonce consumes a signer nonce as its own committed operation
func (e *Engine) UseNonce(account common.Address, nonce uint64) error {
	return e.atomic(func(tx *txn) error {
		return tx.useNonce(account, nonce)
	})
}
