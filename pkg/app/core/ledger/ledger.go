package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrBadNonce            = errors.New("unexpected nonce")
)

// Key identifies one balance slot
type Key struct {
	Asset   common.Address
	Account common.Address
}

// Balance is one persisted balance slot
type Balance struct {
	Key
	Amount uint256.Int
}

// Ledger holds token balances per asset per account plus signer nonces
// The market escrow is an ordinary account in the ledger.
// Not safe for concurrent use; the owning engine serializes access
type Ledger struct {
	balances map[Key]uint256.Int
	nonces   map[common.Address]uint64
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[Key]uint256.Int),
		nonces:   make(map[common.Address]uint64),
	}
}

// BalanceOf returns the balance of account in asset (zero if never credited)
func (l *Ledger) BalanceOf(asset, account common.Address) uint256.Int {
	return l.balances[Key{Asset: asset, Account: account}]
}

// Deposit credits an account (bridge inflow)
func (l *Ledger) Deposit(asset, account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	return l.credit(Key{Asset: asset, Account: account}, amount)
}

// Withdraw debits an account (bridge outflow)
func (l *Ledger) Withdraw(asset, account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	return l.debit(Key{Asset: asset, Account: account}, amount)
}

// Transfer moves amount of asset from one account to another
// A zero amount is a no-op
func (l *Ledger) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if from == to {
		if bal := l.BalanceOf(asset, from); bal.Lt(amount) {
			return fmt.Errorf("%w: asset=%s account=%s have=%s need=%s",
				ErrInsufficientBalance, asset.Hex(), from.Hex(), bal.Dec(), amount.Dec())
		}
		return nil
	}
	if err := l.debit(Key{Asset: asset, Account: from}, amount); err != nil {
		return err
	}
	if err := l.credit(Key{Asset: asset, Account: to}, amount); err != nil {
		// undo the debit so a failed transfer leaves no trace
		_ = l.credit(Key{Asset: asset, Account: from}, amount)
		return err
	}
	return nil
}

// Set overwrites a balance slot (state load and rollback)
func (l *Ledger) Set(asset, account common.Address, amount *uint256.Int) {
	k := Key{Asset: asset, Account: account}
	if amount.IsZero() {
		delete(l.balances, k)
		return
	}
	l.balances[k] = *amount
}

// Balances returns every non-zero slot
func (l *Ledger) Balances() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, Balance{Key: k, Amount: v})
	}
	return out
}

// Nonce returns the next nonce expected from account
func (l *Ledger) Nonce(account common.Address) uint64 {
	return l.nonces[account]
}

// UseNonce consumes nonce for account; it must equal the expected value
func (l *Ledger) UseNonce(account common.Address, nonce uint64) error {
	expected := l.nonces[account]
	if nonce != expected {
		return fmt.Errorf("%w: account=%s expected=%d got=%d", ErrBadNonce, account.Hex(), expected, nonce)
	}
	l.nonces[account] = expected + 1
	return nil
}

// SetNonce overwrites the next expected nonce (state load and rollback)
func (l *Ledger) SetNonce(account common.Address, nonce uint64) {
	if nonce == 0 {
		delete(l.nonces, account)
		return
	}
	l.nonces[account] = nonce
}

// Nonces returns a copy of every non-zero nonce
func (l *Ledger) Nonces() map[common.Address]uint64 {
	out := make(map[common.Address]uint64, len(l.nonces))
	for k, v := range l.nonces {
		out[k] = v
	}
	return out
}

func (l *Ledger) credit(k Key, amount *uint256.Int) error {
	bal := l.balances[k]
	sum, overflow := new(uint256.Int).AddOverflow(&bal, amount)
	if overflow {
		return fmt.Errorf("%w: asset=%s account=%s", ErrOverflow, k.Asset.Hex(), k.Account.Hex())
	}
	l.balances[k] = *sum
	return nil
}

func (l *Ledger) debit(k Key, amount *uint256.Int) error {
	bal := l.balances[k]
	if bal.Lt(amount) {
		return fmt.Errorf("%w: asset=%s account=%s have=%s need=%s",
			ErrInsufficientBalance, k.Asset.Hex(), k.Account.Hex(), bal.Dec(), amount.Dec())
	}
	rem := new(uint256.Int).Sub(&bal, amount)
	if rem.IsZero() {
		delete(l.balances, k)
		return nil
	}
	l.balances[k] = *rem
	return nil
}
