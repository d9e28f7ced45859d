package query

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// Source is the read-only view of engine state the query layer aggregates
type Source interface {
	Depth(pay, buy common.Address) int
	BestOffer(pay, buy common.Address) (uint64, bool)
	OffersOnPair(pay, buy common.Address) []orderbook.Order
	WalkPair(pay, buy common.Address, fn func(o *orderbook.Order) bool)
	BalanceOf(asset, account common.Address) uint256.Int
}

// Level is one resting order in a book snapshot
type Level struct {
	ID     uint64
	PayAmt uint256.Int
	BuyAmt uint256.Int
	Owner  common.Address
}

// Book is a consistent two-sided snapshot for an asset pair
// Asks pay Asset for Quote; Bids pay Quote for Asset. Both are best first
type Book struct {
	Asset    common.Address
	Quote    common.Address
	Asks     []Level
	Bids     []Level
	AskDepth int
	BidDepth int
}

// MakerBalance is a maker's locked and free balance of one asset
type MakerBalance struct {
	Locked uint256.Int // sum of PayAmt over the maker's live orders
	Wallet uint256.Int // free ledger balance
}

// Layer answers router-facing queries; it never mutates state
// Callers hold the host's read lock for the duration of a call so every
// field of a result comes from the same state
type Layer struct {
	src Source
}

func New(src Source) *Layer {
	return &Layer{src: src}
}

// Depth returns the number of live orders paying pay for buy
func (l *Layer) Depth(pay, buy common.Address) int {
	return l.src.Depth(pay, buy)
}

// BestOffer returns the best order id paying pay for buy
func (l *Layer) BestOffer(pay, buy common.Address) (uint64, bool) {
	return l.src.BestOffer(pay, buy)
}

// BookFromPair snapshots both sides of asset/quote
func (l *Layer) BookFromPair(asset, quote common.Address) Book {
	asks := toLevels(l.src.OffersOnPair(asset, quote))
	bids := toLevels(l.src.OffersOnPair(quote, asset))
	return Book{
		Asset:    asset,
		Quote:    quote,
		Asks:     asks,
		Bids:     bids,
		AskDepth: len(asks),
		BidDepth: len(bids),
	}
}

// MakerBalanceInPair sums PayAmt over maker's live orders paying asset for quote
func (l *Layer) MakerBalanceInPair(asset, quote, maker common.Address) uint256.Int {
	var total uint256.Int
	l.src.WalkPair(asset, quote, func(o *orderbook.Order) bool {
		if o.Owner == maker {
			total.Add(&total, &o.PayAmt)
		}
		return true
	})
	return total
}

// MakerBalance sums the maker's locked asset across every quote in quotes
// and reports the free wallet balance alongside. Duplicate quotes count once
func (l *Layer) MakerBalance(asset common.Address, quotes []common.Address, maker common.Address) MakerBalance {
	var out MakerBalance
	seen := make(map[common.Address]struct{}, len(quotes))
	for _, q := range quotes {
		if _, dup := seen[q]; dup || q == asset {
			continue
		}
		seen[q] = struct{}{}
		locked := l.MakerBalanceInPair(asset, q, maker)
		out.Locked.Add(&out.Locked, &locked)
	}
	out.Wallet = l.src.BalanceOf(asset, maker)
	return out
}

func toLevels(orders []orderbook.Order) []Level {
	out := make([]Level, 0, len(orders))
	for _, o := range orders {
		out = append(out, Level{ID: o.ID, PayAmt: o.PayAmt, BuyAmt: o.BuyAmt, Owner: o.Owner})
	}
	return out
}
