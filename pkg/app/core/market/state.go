package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// State layout versions
const (
	StateV1Version = 1
	StateV2Version = 2
)

// OrderV1 is the legacy order layout: no recipient, proceeds always go to Owner
type OrderV1 struct {
	ID        uint64
	PayAmt    uint256.Int
	PayGem    common.Address
	BuyAmt    uint256.Int
	BuyGem    common.Address
	Owner     common.Address
	Timestamp int64
}

// StateV1 is the legacy market layout: a single fee rate and no maker fee
type StateV1 struct {
	Owner           common.Address
	FeeTo           common.Address
	FeeBPS          uint64
	MatchingEnabled bool
	BuyEnabled      bool
	MinSell         map[common.Address]uint256.Int
	LastID          uint64
	Orders          []OrderV1
}

// StateV2 is the current market layout
type StateV2 struct {
	Admin  *Admin
	LastID uint64
	Orders []orderbook.Order
}

// MigrateV1ToV2 upgrades a legacy market in place of a proxy upgrade
// Orders keep id, amounts and owner; Recipient stays zero so reads fall back to Owner.
// The single legacy fee becomes the protocol fee and the maker fee starts disabled
func MigrateV1ToV2(v1 StateV1) StateV2 {
	admin := NewAdmin(v1.Owner, v1.FeeTo, v1.FeeBPS, 0)
	admin.MatchingEnabled = v1.MatchingEnabled
	admin.BuyEnabled = v1.BuyEnabled
	for asset, amt := range v1.MinSell {
		admin.MinSell[asset] = amt
	}

	orders := make([]orderbook.Order, 0, len(v1.Orders))
	for _, o := range v1.Orders {
		orders = append(orders, orderbook.Order{
			ID:        o.ID,
			PayAmt:    o.PayAmt,
			PayGem:    o.PayGem,
			BuyAmt:    o.BuyAmt,
			BuyGem:    o.BuyGem,
			Owner:     o.Owner,
			Timestamp: o.Timestamp,
			Active:    true,
		})
	}

	return StateV2{
		Admin:  admin,
		LastID: v1.LastID,
		Orders: orders,
	}
}
