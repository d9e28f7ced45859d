package orderbook

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OrderBook stores every live order in an id arena and indexes them per directed pair
// Not safe for concurrent use; the owning engine serializes access
type OrderBook struct {
	orders map[uint64]*entry   // id -> live order
	pairs  map[Pair]*offerHeap // pair -> price-priority index
	lastID uint64              // last assigned id (ids start at 1 and are never reused)
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		orders: make(map[uint64]*entry),
		pairs:  make(map[Pair]*offerHeap),
	}
}

// Insert assigns the next id to o, marks it active and indexes it
func (ob *OrderBook) Insert(o Order) (uint64, error) {
	if !ValidAmount(&o.PayAmt) || !ValidAmount(&o.BuyAmt) {
		return 0, fmt.Errorf("%w: pay=%s buy=%s", ErrInvalidAmount, o.PayAmt.Dec(), o.BuyAmt.Dec())
	}
	if o.PayGem == o.BuyGem {
		return 0, fmt.Errorf("%w: pay and buy asset are both %s", ErrInvalidAmount, o.PayGem.Hex())
	}
	ob.lastID++
	o.ID = ob.lastID
	o.Active = true
	ob.index(o)
	return o.ID, nil
}

// Get returns a copy of a live order
func (ob *OrderBook) Get(id uint64) (Order, error) {
	e, ok := ob.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return e.order, nil
}

// IsActive reports whether id refers to a live order
func (ob *OrderBook) IsActive(id uint64) bool {
	_, ok := ob.orders[id]
	return ok
}

// MarkFilled reduces an order by filledPay/filledBuy and returns the updated copy
// The order is closed when either side reaches zero; a closed order keeps
// any unmatched PayAmt in the returned copy so the caller can refund it
func (ob *OrderBook) MarkFilled(id uint64, filledPay, filledBuy *uint256.Int) (Order, error) {
	e, ok := ob.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if filledPay.Gt(&e.order.PayAmt) || filledBuy.Gt(&e.order.BuyAmt) {
		return Order{}, fmt.Errorf("%w: id=%d pay=%s/%s buy=%s/%s", ErrOverfill, id,
			filledPay.Dec(), e.order.PayAmt.Dec(), filledBuy.Dec(), e.order.BuyAmt.Dec())
	}

	e.order.PayAmt.Sub(&e.order.PayAmt, filledPay)
	e.order.BuyAmt.Sub(&e.order.BuyAmt, filledBuy)

	if e.order.PayAmt.IsZero() || e.order.BuyAmt.IsZero() {
		ob.unindex(e)
		e.order.Active = false
		return e.order, nil
	}

	// Rounding can only lower BuyAmt relative to PayAmt, which may move the order up
	heap.Fix(ob.pairs[e.order.Pair()], e.index)
	return e.order, nil
}

// Cancel closes an order owned by caller and returns its final state
// The returned PayAmt is the amount still escrowed for the owner
func (ob *OrderBook) Cancel(id uint64, caller common.Address) (Order, error) {
	e, ok := ob.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if e.order.Owner != caller {
		return Order{}, fmt.Errorf("%w: id=%d owner=%s caller=%s", ErrNotOwner, id, e.order.Owner.Hex(), caller.Hex())
	}
	ob.unindex(e)
	e.order.Active = false
	return e.order, nil
}

// BestOffer returns the id of the order on pair with the best price for a taker
func (ob *OrderBook) BestOffer(pay, buy common.Address) (uint64, bool) {
	h, ok := ob.pairs[Pair{Pay: pay, Buy: buy}]
	if !ok {
		return 0, false
	}
	top := h.Peek()
	if top == nil {
		return 0, false
	}
	return top.order.ID, true
}

// Depth returns the number of live orders on a directed pair
func (ob *OrderBook) Depth(pay, buy common.Address) int {
	h, ok := ob.pairs[Pair{Pay: pay, Buy: buy}]
	if !ok {
		return 0
	}
	return h.Len()
}

// Offers returns copies of every live order on a pair, best first
func (ob *OrderBook) Offers(pay, buy common.Address) []Order {
	h, ok := ob.pairs[Pair{Pay: pay, Buy: buy}]
	if !ok {
		return nil
	}
	out := make([]Order, 0, h.Len())
	for _, e := range *h {
		out = append(out, e.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BetterThan(&out[j]) })
	return out
}

// Best returns copies of the n best orders on a pair, best first (n <= 0 means all)
// Pops from a copy of the pair heap so only the visited prefix is ordered
func (ob *OrderBook) Best(pay, buy common.Address, n int) []Order {
	h, ok := ob.pairs[Pair{Pay: pay, Buy: buy}]
	if !ok {
		return nil
	}
	if n <= 0 || n >= h.Len() {
		return ob.Offers(pay, buy)
	}
	cp := make(offerHeap, h.Len())
	for i, e := range *h {
		cp[i] = &entry{order: e.order, index: i}
	}
	out := make([]Order, 0, n)
	for len(out) < n {
		out = append(out, heap.Pop(&cp).(*entry).order)
	}
	return out
}

// Walk visits live orders on a pair in heap order (not price order) until fn returns false
func (ob *OrderBook) Walk(pay, buy common.Address, fn func(o *Order) bool) {
	h, ok := ob.pairs[Pair{Pay: pay, Buy: buy}]
	if !ok {
		return
	}
	for _, e := range *h {
		if !fn(&e.order) {
			return
		}
	}
}

// All returns copies of every live order sorted by id
func (ob *OrderBook) All() []Order {
	out := make([]Order, 0, len(ob.orders))
	for _, e := range ob.orders {
		out = append(out, e.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live orders across all pairs
func (ob *OrderBook) Len() int {
	return len(ob.orders)
}

// LastID returns the most recently assigned order id
func (ob *OrderBook) LastID() uint64 {
	return ob.lastID
}

// SetLastID rewinds or restores the id counter (journal rollback and state load)
func (ob *OrderBook) SetLastID(id uint64) {
	ob.lastID = id
}

// Put writes an order record back exactly as given, replacing any live copy
// An inactive record is removed from the book; used for rollback and state load
func (ob *OrderBook) Put(o Order) {
	if e, ok := ob.orders[o.ID]; ok {
		ob.unindex(e)
	}
	if !o.Active {
		return
	}
	ob.index(o)
	if o.ID > ob.lastID {
		ob.lastID = o.ID
	}
}

// Remove drops an order without ownership checks (rollback of Insert)
func (ob *OrderBook) Remove(id uint64) {
	if e, ok := ob.orders[id]; ok {
		ob.unindex(e)
	}
}

func (ob *OrderBook) index(o Order) {
	pair := o.Pair()
	h, ok := ob.pairs[pair]
	if !ok {
		h = &offerHeap{}
		ob.pairs[pair] = h
	}
	e := &entry{order: o}
	heap.Push(h, e)
	ob.orders[o.ID] = e
}

func (ob *OrderBook) unindex(e *entry) {
	pair := e.order.Pair()
	h := ob.pairs[pair]
	if e.index >= 0 && h != nil {
		heap.Remove(h, e.index)
	}
	if h != nil && h.Len() == 0 {
		delete(ob.pairs, pair)
	}
	delete(ob.orders, e.order.ID)
}
