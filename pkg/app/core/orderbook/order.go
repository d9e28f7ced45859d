package orderbook

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxAmountBits bounds every order amount so cross products fit in 256 bits
const MaxAmountBits = 128

var (
	ErrNotFound      = errors.New("order not found")
	ErrNotOwner      = errors.New("caller is not the order owner")
	ErrOverfill      = errors.New("fill exceeds remaining order size")
	ErrInvalidAmount = errors.New("invalid order amount")
)

// Pair is a directed asset pair: orders that pay Pay and want Buy
type Pair struct {
	Pay common.Address
	Buy common.Address
}

// Reverse returns the counter side of the pair
func (p Pair) Reverse() Pair {
	return Pair{Pay: p.Buy, Buy: p.Pay}
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Pay.Hex(), p.Buy.Hex())
}

// Order is a resting offer: the maker gives PayAmt of PayGem for BuyAmt of BuyGem
// Price (BuyGem per PayGem) is implied by the remaining amounts
type Order struct {
	ID        uint64
	PayAmt    uint256.Int
	PayGem    common.Address
	BuyAmt    uint256.Int
	BuyGem    common.Address
	Owner     common.Address
	Recipient common.Address // zero for legacy orders; proceeds then go to Owner
	Timestamp int64          // unix seconds at creation
	Active    bool
}

// Pair returns the directed pair this order rests on
func (o *Order) Pair() Pair {
	return Pair{Pay: o.PayGem, Buy: o.BuyGem}
}

// ProceedsRecipient returns where the maker's filled buy asset is delivered
func (o *Order) ProceedsRecipient() common.Address {
	if o.Recipient == (common.Address{}) {
		return o.Owner
	}
	return o.Recipient
}

// Spend returns how much BuyGem the maker must receive for giving up q of PayGem
// The remaining BuyAmt is floor(BuyAmt*(PayAmt-q)/PayAmt), so the remaining price never rises
func (o *Order) Spend(q *uint256.Int) uint256.Int {
	var out uint256.Int
	if q.IsZero() {
		return out
	}
	if !q.Lt(&o.PayAmt) {
		out.Set(&o.BuyAmt)
		return out
	}
	rest := new(uint256.Int).Sub(&o.PayAmt, q)
	rest.Mul(rest, &o.BuyAmt)
	rest.Div(rest, &o.PayAmt)
	out.Sub(&o.BuyAmt, rest)
	return out
}

// Receivable returns how much PayGem the maker gives for spend of BuyGem, rounded down
func (o *Order) Receivable(spend *uint256.Int) uint256.Int {
	var out uint256.Int
	if o.BuyAmt.IsZero() {
		return out
	}
	out.Mul(spend, &o.PayAmt)
	out.Div(&out, &o.BuyAmt)
	return out
}

// BetterThan reports whether o offers more PayGem per unit BuyGem than other
// Equal prices fall back to the lower id (older order first)
func (o *Order) BetterThan(other *Order) bool {
	left := new(uint256.Int).Mul(&o.PayAmt, &other.BuyAmt)
	right := new(uint256.Int).Mul(&other.PayAmt, &o.BuyAmt)
	if c := left.Cmp(right); c != 0 {
		return c > 0
	}
	return o.ID < other.ID
}

// ValidAmount reports whether an amount is positive and within MaxAmountBits
func ValidAmount(a *uint256.Int) bool {
	return !a.IsZero() && a.BitLen() <= MaxAmountBits
}
