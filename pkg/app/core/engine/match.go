package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/pkg/app/core/fee"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// step is one planned fill: q of the maker's PayGem for spend of its BuyGem
type step struct {
	order orderbook.Order
	q     uint256.Int
	spend uint256.Int
	fees  fee.Breakdown
}

// plan is a read-only simulation of a sweep against the current book
// Execution replays the same steps, so quotes equal executed amounts
type plan struct {
	steps []step
	spent uint256.Int // taker asset paid
	gross uint256.Int // counter asset received before fees
	net   uint256.Int // counter asset received after fees

	// capped is set when MaxFills stopped the sweep while the next order
	// would still have matched
	capped bool
}

// limitPrice is the worst price a taker accepts: at least Buy per Pay
type limitPrice struct {
	Pay uint256.Int
	Buy uint256.Int
}

// crosses reports whether a resting order gives at least the taker's limit
func (l *limitPrice) crosses(o *orderbook.Order) bool {
	left := new(uint256.Int).Mul(&o.PayAmt, &l.Pay)
	right := new(uint256.Int).Mul(&l.Buy, &o.BuyAmt)
	return !left.Lt(right)
}

// planSell sweeps orders paying buyGem for payGem, spending up to payAmt
// A nil limit walks the book until payAmt is spent or the book runs out
func (e *Engine) planSell(payGem, buyGem common.Address, payAmt *uint256.Int, limit *limitPrice) (plan, error) {
	var p plan
	schedule := e.admin.Schedule()
	remaining := *payAmt

	// one order past the cap is read to tell a capped sweep from an exhausted one
	for i, o := range e.book.Best(buyGem, payGem, e.cfg.MaxFills+1) {
		if remaining.IsZero() {
			break
		}
		if limit != nil && !limit.crosses(&o) {
			break
		}
		// q = min(remaining * pay / buy, pay)
		q := new(uint256.Int).Mul(&remaining, &o.PayAmt)
		q.Div(q, &o.BuyAmt)
		if q.Gt(&o.PayAmt) {
			q.Set(&o.PayAmt)
		}
		if q.IsZero() {
			break
		}
		if i == e.cfg.MaxFills {
			p.capped = true
			break
		}
		s, err := newStep(o, q, schedule)
		if err != nil {
			return plan{}, err
		}
		remaining.Sub(&remaining, &s.spend)
		p.add(s)
	}
	return p, nil
}

// planBuy sweeps orders paying buyGem for payGem until buyAmt gross has been bought
func (e *Engine) planBuy(buyGem, payGem common.Address, buyAmt *uint256.Int) (plan, error) {
	var p plan
	schedule := e.admin.Schedule()
	remaining := *buyAmt

	for _, o := range e.book.Best(buyGem, payGem, e.cfg.MaxFills) {
		if remaining.IsZero() {
			break
		}
		q := new(uint256.Int).Set(&remaining)
		if q.Gt(&o.PayAmt) {
			q.Set(&o.PayAmt)
		}
		s, err := newStep(o, q, schedule)
		if err != nil {
			return plan{}, err
		}
		remaining.Sub(&remaining, q)
		p.add(s)
	}
	return p, nil
}

func newStep(o orderbook.Order, q *uint256.Int, schedule fee.Schedule) (step, error) {
	fees, err := schedule.Compute(q)
	if err != nil {
		return step{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return step{order: o, q: *q, spend: o.Spend(q), fees: fees}, nil
}

func (p *plan) add(s step) {
	p.steps = append(p.steps, s)
	p.spent.Add(&p.spent, &s.spend)
	p.gross.Add(&p.gross, &s.q)
	p.net.Add(&p.net, &s.fees.Net)
}

// execute applies every planned step for taker, delivering proceeds to recipient
func (tx *txn) execute(p plan, taker, recipient common.Address) ([]Fill, error) {
	fills := make([]Fill, 0, len(p.steps))
	for _, s := range p.steps {
		f, err := tx.take(s.order, &s.q, taker, recipient)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// take fills q of maker order o for taker and settles funds
// The taker pays Spend of BuyGem to the maker's recipient; the escrow releases q of
// PayGem split into net (taker recipient), protocol fee (feeTo) and maker fee (maker)
func (tx *txn) take(o orderbook.Order, q *uint256.Int, taker, recipient common.Address) (Fill, error) {
	e := tx.e
	fees, err := e.admin.Schedule().Compute(q)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	spend := o.Spend(q)
	escrow := e.cfg.Market

	if err := tx.transfer(o.BuyGem, taker, o.ProceedsRecipient(), &spend); err != nil {
		return Fill{}, err
	}
	if err := tx.transfer(o.PayGem, escrow, recipient, &fees.Net); err != nil {
		return Fill{}, err
	}
	if err := tx.transfer(o.PayGem, escrow, e.admin.FeeTo, &fees.Protocol); err != nil {
		return Fill{}, err
	}
	if err := tx.transfer(o.PayGem, escrow, o.Owner, &fees.Maker); err != nil {
		return Fill{}, err
	}

	updated, err := tx.markFilled(o.ID, q, &spend)
	if err != nil {
		return Fill{}, err
	}

	f := Fill{
		OrderID:        o.ID,
		Maker:          o.Owner,
		MakerRecipient: o.ProceedsRecipient(),
		Taker:          taker,
		TakerRecipient: recipient,
		PayGem:         o.PayGem,
		BuyGem:         o.BuyGem,
		Gross:          *q,
		Spend:          spend,
		Fees:           fees,
		FeeTo:          e.admin.FeeTo,
		MakerClosed:    !updated.Active,
	}

	// The buy side rounded to zero before the pay side: close and refund the residue
	if !updated.Active && !updated.PayAmt.IsZero() {
		if err := tx.transfer(o.PayGem, escrow, o.Owner, &updated.PayAmt); err != nil {
			return Fill{}, err
		}
		f.Refund = updated.PayAmt
	}

	tx.emit(Event{Kind: EventTake, Pair: o.Pair(), Order: updated, Fill: &f})
	return f, nil
}

// OfferRequest places PayAmt of PayGem in exchange for at least BuyAmt of BuyGem
// Owner defaults to the caller and Recipient to the owner
type OfferRequest struct {
	PayAmt    uint256.Int
	PayGem    common.Address
	BuyAmt    uint256.Int
	BuyGem    common.Address
	Owner     common.Address
	Recipient common.Address
}

// OfferResult reports what an offer did
// ID is the resting order id, or the last maker order filled when nothing rests.
// Capped means MaxFills ended matching while the counter side still crossed;
// the remainder is then left with the caller instead of resting
type OfferResult struct {
	ID      uint64
	Resting bool
	Capped  bool
	Fills   []Fill
}

// Offer matches the request against the counter side at the taker's limit price
// and rests any remainder. Funds come from caller; the remainder is escrowed
func (e *Engine) Offer(caller common.Address, req OfferRequest) (OfferResult, error) {
	if err := e.validateOffer(&req); err != nil {
		return OfferResult{}, err
	}
	if req.Owner == (common.Address{}) {
		req.Owner = caller
	}
	if req.Recipient == (common.Address{}) {
		req.Recipient = req.Owner
	}

	var res OfferResult
	err := e.atomic(func(tx *txn) error {
		remaining := req.PayAmt
		if e.admin.MatchingEnabled {
			limit := &limitPrice{Pay: req.PayAmt, Buy: req.BuyAmt}
			p, err := e.planSell(req.PayGem, req.BuyGem, &req.PayAmt, limit)
			if err != nil {
				return err
			}
			fills, err := tx.execute(p, caller, req.Recipient)
			if err != nil {
				return err
			}
			res.Fills = fills
			if n := len(fills); n > 0 {
				res.ID = fills[n-1].OrderID
			}
			remaining.Sub(&remaining, &p.spent)
			if p.capped {
				// resting now would cross the next counter order
				res.Capped = true
				return nil
			}
		}
		if remaining.IsZero() {
			return nil
		}

		// The remainder keeps the original price
		restBuy := new(uint256.Int).Mul(&req.BuyAmt, &remaining)
		restBuy.Div(restBuy, &req.PayAmt)
		dust := e.admin.Dust(req.PayGem)
		if restBuy.IsZero() || remaining.Lt(&dust) {
			return nil
		}

		if err := tx.transfer(req.PayGem, caller, e.cfg.Market, &remaining); err != nil {
			return err
		}
		o := orderbook.Order{
			PayAmt:    remaining,
			PayGem:    req.PayGem,
			BuyAmt:    *restBuy,
			BuyGem:    req.BuyGem,
			Owner:     req.Owner,
			Recipient: req.Recipient,
			Timestamp: e.now(),
		}
		id, err := tx.insert(o)
		if err != nil {
			return err
		}
		o.ID, o.Active = id, true
		res.ID, res.Resting = id, true
		tx.emit(Event{Kind: EventMake, Pair: o.Pair(), Order: o})
		return nil
	})
	if err != nil {
		return OfferResult{}, err
	}

	e.logger.Debug("offer",
		zap.String("caller", caller.Hex()),
		zap.Uint64("id", res.ID),
		zap.Bool("resting", res.Resting),
		zap.Bool("capped", res.Capped),
		zap.Int("fills", len(res.Fills)))
	return res, nil
}

func (e *Engine) validateOffer(req *OfferRequest) error {
	if !orderbook.ValidAmount(&req.PayAmt) || !orderbook.ValidAmount(&req.BuyAmt) {
		return fmt.Errorf("%w: amounts must be positive and at most %d bits (pay=%s buy=%s)",
			ErrInvalidOrder, orderbook.MaxAmountBits, req.PayAmt.Dec(), req.BuyAmt.Dec())
	}
	if req.PayGem == (common.Address{}) || req.BuyGem == (common.Address{}) {
		return fmt.Errorf("%w: zero asset address", ErrInvalidOrder)
	}
	if req.PayGem == req.BuyGem {
		return fmt.Errorf("%w: pay and buy asset are both %s", ErrInvalidOrder, req.PayGem.Hex())
	}
	if dust := e.admin.Dust(req.PayGem); req.PayAmt.Lt(&dust) {
		return fmt.Errorf("%w: pay amount %s below minimum %s", ErrInvalidOrder, req.PayAmt.Dec(), dust.Dec())
	}
	return nil
}

// Buy fills quantity of order id's PayGem for the caller
// Either the whole quantity is filled or nothing changes
func (e *Engine) Buy(caller common.Address, id uint64, quantity *uint256.Int) (Fill, error) {
	if !orderbook.ValidAmount(quantity) {
		return Fill{}, fmt.Errorf("%w: quantity must be positive and at most %d bits", ErrInvalidOrder, orderbook.MaxAmountBits)
	}
	o, err := e.GetOffer(id)
	if err != nil {
		return Fill{}, err
	}
	if !e.admin.BuyEnabled {
		return Fill{}, ErrBuyDisabled
	}
	if quantity.Gt(&o.PayAmt) {
		return Fill{}, fmt.Errorf("%w: id=%d requested=%s available=%s",
			ErrInsufficientOrderSize, id, quantity.Dec(), o.PayAmt.Dec())
	}
	// The spend rounds up; a fill worth less than one unit at the order's price is refused
	owed := new(uint256.Int).Mul(quantity, &o.BuyAmt)
	if owed.Div(owed, &o.PayAmt).IsZero() {
		return Fill{}, fmt.Errorf("%w: id=%d quantity %s is worth less than one unit of %s",
			ErrInsufficientOrderSize, id, quantity.Dec(), o.BuyGem.Hex())
	}

	var f Fill
	err = e.atomic(func(tx *txn) error {
		var err error
		f, err = tx.take(o, quantity, caller, caller)
		return err
	})
	if err != nil {
		return Fill{}, err
	}
	return f, nil
}

// Cancel closes an order owned by caller and refunds its escrow
func (e *Engine) Cancel(caller common.Address, id uint64) (orderbook.Order, error) {
	var closed orderbook.Order
	err := e.atomic(func(tx *txn) error {
		var err error
		closed, err = tx.cancel(id, caller)
		if err != nil {
			return err
		}
		if err := tx.transfer(closed.PayGem, e.cfg.Market, closed.Owner, &closed.PayAmt); err != nil {
			return err
		}
		tx.emit(Event{Kind: EventKill, Pair: closed.Pair(), Order: closed})
		return nil
	})
	if err != nil {
		return orderbook.Order{}, err
	}
	return closed, nil
}
