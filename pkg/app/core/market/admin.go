package market

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/hyperbook/pkg/app/core/fee"
)

// ErrUnauthorized is returned when a non-owner calls an admin mutator
var ErrUnauthorized = errors.New("caller is not the market owner")

// Admin is the market configuration: ownership, fee schedule, feature switches and dust floors
// Reads are free; every mutator is gated on the owner
type Admin struct {
	Owner           common.Address
	FeeTo           common.Address
	ProtocolFeeBPS  uint64
	MakerFeeBPS     uint64
	MatchingEnabled bool
	BuyEnabled      bool
	MinSell         map[common.Address]uint256.Int // asset -> minimum offer payAmount
}

// NewAdmin returns a configuration with matching and direct buys enabled
func NewAdmin(owner, feeTo common.Address, protocolBPS, makerBPS uint64) *Admin {
	return &Admin{
		Owner:           owner,
		FeeTo:           feeTo,
		ProtocolFeeBPS:  protocolBPS,
		MakerFeeBPS:     makerBPS,
		MatchingEnabled: true,
		BuyEnabled:      true,
		MinSell:         make(map[common.Address]uint256.Int),
	}
}

// Clone returns a deep copy
func (a *Admin) Clone() *Admin {
	c := *a
	c.MinSell = make(map[common.Address]uint256.Int, len(a.MinSell))
	for k, v := range a.MinSell {
		c.MinSell[k] = v
	}
	return &c
}

// Schedule returns the fee schedule currently in force
func (a *Admin) Schedule() fee.Schedule {
	return fee.Schedule{ProtocolBPS: a.ProtocolFeeBPS, MakerBPS: a.MakerFeeBPS}
}

// Dust returns the minimum payAmount for offers paying asset (zero if unset)
func (a *Admin) Dust(asset common.Address) uint256.Int {
	return a.MinSell[asset]
}

func (a *Admin) authorize(caller common.Address, action string) error {
	if caller != a.Owner {
		return fmt.Errorf("%w: %s by %s", ErrUnauthorized, action, caller.Hex())
	}
	return nil
}

func (a *Admin) SetFeeBPS(caller common.Address, bps uint64) error {
	if err := a.authorize(caller, "set_fee_bps"); err != nil {
		return err
	}
	a.ProtocolFeeBPS = bps
	return nil
}

func (a *Admin) SetMakerFee(caller common.Address, bps uint64) error {
	if err := a.authorize(caller, "set_maker_fee"); err != nil {
		return err
	}
	a.MakerFeeBPS = bps
	return nil
}

func (a *Admin) SetFeeTo(caller, feeTo common.Address) error {
	if err := a.authorize(caller, "set_fee_to"); err != nil {
		return err
	}
	a.FeeTo = feeTo
	return nil
}

func (a *Admin) SetMatchingEnabled(caller common.Address, enabled bool) error {
	if err := a.authorize(caller, "set_matching_enabled"); err != nil {
		return err
	}
	a.MatchingEnabled = enabled
	return nil
}

func (a *Admin) SetBuyEnabled(caller common.Address, enabled bool) error {
	if err := a.authorize(caller, "set_buy_enabled"); err != nil {
		return err
	}
	a.BuyEnabled = enabled
	return nil
}

// SetMinSell sets the dust floor for an asset; zero clears it
func (a *Admin) SetMinSell(caller, asset common.Address, amount *uint256.Int) error {
	if err := a.authorize(caller, "set_min_sell"); err != nil {
		return err
	}
	if amount.IsZero() {
		delete(a.MinSell, asset)
		return nil
	}
	a.MinSell[asset] = *amount
	return nil
}

// TransferOwnership hands admin rights to next
func (a *Admin) TransferOwnership(caller, next common.Address) error {
	if err := a.authorize(caller, "transfer_ownership"); err != nil {
		return err
	}
	a.Owner = next
	return nil
}
