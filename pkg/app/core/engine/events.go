package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/hyperbook/pkg/app/core/fee"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

type EventKind string

const (
	EventMake  EventKind = "make"  // order rested on the book
	EventTake  EventKind = "take"  // resting order (partially) filled
	EventKill  EventKind = "kill"  // order cancelled
	EventAdmin EventKind = "admin" // market configuration changed
)

// Fill describes one match against a resting order
// The taker receives Gross of PayGem minus fees and pays Spend of BuyGem
type Fill struct {
	OrderID        uint64
	Maker          common.Address
	MakerRecipient common.Address
	Taker          common.Address
	TakerRecipient common.Address
	PayGem         common.Address
	BuyGem         common.Address
	Gross          uint256.Int
	Spend          uint256.Int
	Fees           fee.Breakdown
	FeeTo          common.Address
	MakerClosed    bool
	Refund         uint256.Int // residual PayGem returned to the maker on a dust close
}

// Event is emitted after an operation commits
type Event struct {
	Kind   EventKind
	Pair   orderbook.Pair
	Order  orderbook.Order // make/kill: order state; take: maker order after the fill
	Fill   *Fill
	Action string // admin: mutator name
	Time   int64
}
