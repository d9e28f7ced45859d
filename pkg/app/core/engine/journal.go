package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// txn records undo steps and touched state for one engine operation
// Undo steps run newest first, so each restores exactly the state it saw
type txn struct {
	e        *Engine
	undo     []func()
	orders   map[uint64]struct{}
	balances map[ledger.Key]struct{}
	nonces   map[common.Address]struct{}
	admin    bool
	events   []Event
}

// atomic runs fn against the engine; on error every mutation is reverted and
// nothing is persisted or emitted
func (e *Engine) atomic(fn func(tx *txn) error) error {
	tx := &txn{
		e:        e,
		orders:   make(map[uint64]struct{}),
		balances: make(map[ledger.Key]struct{}),
		nonces:   make(map[common.Address]struct{}),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if e.committer != nil {
		if err := e.committer.Commit(tx.changeSet()); err != nil {
			tx.rollback()
			return fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	if e.OnEvent != nil {
		for _, ev := range tx.events {
			e.OnEvent(ev)
		}
	}
	return nil
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

func (tx *txn) changeSet() ChangeSet {
	cs := ChangeSet{LastID: tx.e.book.LastID()}

	ids := make([]uint64, 0, len(tx.orders))
	for id := range tx.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if o, err := tx.e.book.Get(id); err == nil {
			cs.Orders = append(cs.Orders, o)
		} else {
			cs.DeletedOrders = append(cs.DeletedOrders, id)
		}
	}

	for k := range tx.balances {
		cs.Balances = append(cs.Balances, ledger.Balance{Key: k, Amount: tx.e.ledger.BalanceOf(k.Asset, k.Account)})
	}

	if len(tx.nonces) > 0 {
		cs.Nonces = make(map[common.Address]uint64, len(tx.nonces))
		for acct := range tx.nonces {
			cs.Nonces[acct] = tx.e.ledger.Nonce(acct)
		}
	}

	if tx.admin {
		cs.Admin = tx.e.admin.Clone()
	}
	return cs
}

func (tx *txn) emit(ev Event) {
	ev.Time = tx.e.now()
	tx.events = append(tx.events, ev)
}

func (tx *txn) saveBalance(asset, account common.Address) {
	prev := tx.e.ledger.BalanceOf(asset, account)
	tx.balances[ledger.Key{Asset: asset, Account: account}] = struct{}{}
	tx.undo = append(tx.undo, func() { tx.e.ledger.Set(asset, account, &prev) })
}

// transfer moves funds through the ledger, mapping shortfalls to ErrInsufficientFunds
func (tx *txn) transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	tx.saveBalance(asset, from)
	tx.saveBalance(asset, to)
	if err := tx.e.ledger.Transfer(asset, from, to, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}

func (tx *txn) deposit(asset, account common.Address, amount *uint256.Int) error {
	tx.saveBalance(asset, account)
	return tx.e.ledger.Deposit(asset, account, amount)
}

func (tx *txn) withdraw(asset, account common.Address, amount *uint256.Int) error {
	tx.saveBalance(asset, account)
	if err := tx.e.ledger.Withdraw(asset, account, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}

func (tx *txn) useNonce(account common.Address, nonce uint64) error {
	prev := tx.e.ledger.Nonce(account)
	tx.nonces[account] = struct{}{}
	tx.undo = append(tx.undo, func() { tx.e.ledger.SetNonce(account, prev) })
	return tx.e.ledger.UseNonce(account, nonce)
}

func (tx *txn) insert(o orderbook.Order) (uint64, error) {
	prevLast := tx.e.book.LastID()
	id, err := tx.e.book.Insert(o)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	tx.orders[id] = struct{}{}
	tx.undo = append(tx.undo, func() {
		tx.e.book.Remove(id)
		tx.e.book.SetLastID(prevLast)
	})
	return id, nil
}

func (tx *txn) markFilled(id uint64, filledPay, filledBuy *uint256.Int) (orderbook.Order, error) {
	prev, err := tx.e.book.Get(id)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	}
	updated, err := tx.e.book.MarkFilled(id, filledPay, filledBuy)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("%w: %w", ErrInsufficientOrderSize, err)
	}
	tx.orders[id] = struct{}{}
	tx.undo = append(tx.undo, func() { tx.e.book.Put(prev) })
	return updated, nil
}

func (tx *txn) cancel(id uint64, caller common.Address) (orderbook.Order, error) {
	prev, err := tx.e.book.Get(id)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	}
	closed, err := tx.e.book.Cancel(id, caller)
	if err != nil {
		if errors.Is(err, orderbook.ErrNotOwner) {
			return orderbook.Order{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return orderbook.Order{}, fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	}
	tx.orders[id] = struct{}{}
	tx.undo = append(tx.undo, func() { tx.e.book.Put(prev) })
	return closed, nil
}

// mutateAdmin applies fn to the live configuration, restoring a copy on rollback
func (tx *txn) mutateAdmin(action string, fn func(a *market.Admin) error) error {
	prev := tx.e.admin.Clone()
	if err := fn(tx.e.admin); err != nil {
		tx.e.admin = prev
		if errors.Is(err, market.ErrUnauthorized) {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return err
	}
	tx.admin = true
	tx.undo = append(tx.undo, func() { tx.e.admin = prev })
	tx.emit(Event{Kind: EventAdmin, Action: action})
	return nil
}
