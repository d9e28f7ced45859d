package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperbook/pkg/util"
)

// DefaultMaxFills bounds a single sweep when the config leaves it unset
const DefaultMaxFills = 256

type Config struct {
	Market   common.Address // escrow account holding resting offers' pay assets
	MaxFills int            // fills per matching call; <= 0 uses DefaultMaxFills
}

// ChangeSet is everything one committed operation touched
type ChangeSet struct {
	Orders        []orderbook.Order // live orders to upsert
	DeletedOrders []uint64
	Balances      []ledger.Balance // zero Amount means delete
	Nonces        map[common.Address]uint64
	Admin         *market.Admin // nil when unchanged
	LastID        uint64
}

// Committer persists a ChangeSet atomically; a failure aborts the operation
type Committer interface {
	Commit(cs ChangeSet) error
}

// Engine is the matching engine: order book, custody ledger and market configuration
// Every mutating call is all-or-nothing. Not safe for concurrent use; the host
// application serializes calls
type Engine struct {
	cfg       Config
	book      *orderbook.OrderBook
	ledger    *ledger.Ledger
	admin     *market.Admin
	clock     util.Clock
	committer Committer
	logger    *zap.Logger

	// OnEvent is invoked for every event after a successful commit
	OnEvent func(Event)
}

func New(cfg Config, admin *market.Admin, logger *zap.Logger) *Engine {
	if cfg.MaxFills <= 0 {
		cfg.MaxFills = DefaultMaxFills
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		book:   orderbook.NewOrderBook(),
		ledger: ledger.New(),
		admin:  admin,
		clock:  util.RealClock{},
		logger: logger,
	}
}

func (e *Engine) SetCommitter(c Committer) { e.committer = c }
func (e *Engine) SetClock(c util.Clock)    { e.clock = c }

// MarketAddress returns the escrow account
func (e *Engine) MarketAddress() common.Address { return e.cfg.Market }

// Load replaces in-memory state with a persisted snapshot
func (e *Engine) Load(state market.StateV2, balances []ledger.Balance, nonces map[common.Address]uint64) {
	e.book = orderbook.NewOrderBook()
	for _, o := range state.Orders {
		e.book.Put(o)
	}
	e.book.SetLastID(state.LastID)
	if state.Admin != nil {
		e.admin = state.Admin.Clone()
	}

	e.ledger = ledger.New()
	for _, b := range balances {
		e.ledger.Set(b.Asset, b.Account, &b.Amount)
	}
	for acct, n := range nonces {
		e.ledger.SetNonce(acct, n)
	}
}

// State returns the current market state in the latest layout
func (e *Engine) State() market.StateV2 {
	return market.StateV2{
		Admin:  e.admin.Clone(),
		LastID: e.book.LastID(),
		Orders: e.book.All(),
	}
}

// Admin returns a copy of the market configuration
func (e *Engine) Admin() *market.Admin {
	return e.admin.Clone()
}

// GetOffer returns the live order with id
func (e *Engine) GetOffer(id uint64) (orderbook.Order, error) {
	o, err := e.book.Get(id)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	}
	return o, nil
}

func (e *Engine) GetOwner(id uint64) (common.Address, error) {
	o, err := e.GetOffer(id)
	if err != nil {
		return common.Address{}, err
	}
	return o.Owner, nil
}

// GetRecipient returns the proceeds recipient, falling back to the owner for legacy orders
func (e *Engine) GetRecipient(id uint64) (common.Address, error) {
	o, err := e.GetOffer(id)
	if err != nil {
		return common.Address{}, err
	}
	return o.ProceedsRecipient(), nil
}

func (e *Engine) IsActive(id uint64) bool { return e.book.IsActive(id) }

func (e *Engine) BestOffer(pay, buy common.Address) (uint64, bool) {
	return e.book.BestOffer(pay, buy)
}

func (e *Engine) Depth(pay, buy common.Address) int { return e.book.Depth(pay, buy) }

// OffersOnPair returns every live order paying pay for buy, best first
func (e *Engine) OffersOnPair(pay, buy common.Address) []orderbook.Order {
	return e.book.Offers(pay, buy)
}

// WalkPair visits live orders on a pair in no particular order
func (e *Engine) WalkPair(pay, buy common.Address, fn func(o *orderbook.Order) bool) {
	e.book.Walk(pay, buy, fn)
}

func (e *Engine) BalanceOf(asset, account common.Address) uint256.Int {
	return e.ledger.BalanceOf(asset, account)
}

func (e *Engine) Nonce(account common.Address) uint64 { return e.ledger.Nonce(account) }

// Balances returns every non-zero ledger slot
func (e *Engine) Balances() []ledger.Balance { return e.ledger.Balances() }

// CalcAmountAfterFee returns what a taker keeps from amount under the current schedule
func (e *Engine) CalcAmountAfterFee(amount *uint256.Int) (uint256.Int, error) {
	net, err := e.admin.Schedule().AmountAfterFee(amount)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return net, nil
}

func (e *Engine) now() int64 { return e.clock.Now().Unix() }

// Checkpoint commits the full in-memory state; used to seed an empty store
func (e *Engine) Checkpoint() error {
	if e.committer == nil {
		return nil
	}
	cs := ChangeSet{
		Orders:   e.book.All(),
		Balances: e.ledger.Balances(),
		Nonces:   e.ledger.Nonces(),
		Admin:    e.admin.Clone(),
		LastID:   e.book.LastID(),
	}
	if err := e.committer.Commit(cs); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// OfferCount returns the number of live orders across all pairs
func (e *Engine) OfferCount() int { return e.book.Len() }

// Nonces returns a copy of every account's next expected nonce
func (e *Engine) Nonces() map[common.Address]uint64 { return e.ledger.Nonces() }
