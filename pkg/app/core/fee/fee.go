package fee

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Denominator is the basis-point base for every fee rate (10000 bps = 100%)
const Denominator = 10_000

// ErrExceedsGross is returned when the configured rates take more than the gross amount
var ErrExceedsGross = errors.New("fees exceed gross amount")

// Schedule holds the two fee rates applied to every fill
// Rates are in basis points of the gross amount received by the taker
type Schedule struct {
	ProtocolBPS uint64 // paid to the fee recipient (feeTo)
	MakerBPS    uint64 // paid to the maker; 0 disables the maker fee
}

// Breakdown splits a gross fill amount into its fee components
// Invariant: Net + Protocol + Maker == Gross
type Breakdown struct {
	Gross    uint256.Int
	Protocol uint256.Int
	Maker    uint256.Int
	Net      uint256.Int
}

// Compute applies the schedule to a gross amount
// Both fees are taken from the gross amount and rounded down
func (s Schedule) Compute(gross *uint256.Int) (Breakdown, error) {
	var b Breakdown
	b.Gross.Set(gross)

	b.Protocol = portion(gross, s.ProtocolBPS)
	if s.MakerBPS > 0 {
		b.Maker = portion(gross, s.MakerBPS)
	}

	total, overflow := new(uint256.Int).AddOverflow(&b.Protocol, &b.Maker)
	if overflow || total.Gt(gross) {
		return Breakdown{}, fmt.Errorf("%w: gross=%s protocol_bps=%d maker_bps=%d",
			ErrExceedsGross, gross.Dec(), s.ProtocolBPS, s.MakerBPS)
	}
	b.Net.Sub(gross, total)
	return b, nil
}

// AmountAfterFee returns the net amount a taker keeps from gross
func (s Schedule) AmountAfterFee(gross *uint256.Int) (uint256.Int, error) {
	b, err := s.Compute(gross)
	if err != nil {
		return uint256.Int{}, err
	}
	return b.Net, nil
}

// Valid reports whether the schedule can ever be applied without failing
func (s Schedule) Valid() bool {
	return s.ProtocolBPS <= Denominator && s.MakerBPS <= Denominator-s.ProtocolBPS
}

// portion returns floor(amount * bps / Denominator)
func portion(amount *uint256.Int, bps uint64) uint256.Int {
	var out uint256.Int
	if bps == 0 || amount.IsZero() {
		return out
	}
	out.MulDivOverflow(amount, uint256.NewInt(bps), uint256.NewInt(Denominator))
	return out
}
