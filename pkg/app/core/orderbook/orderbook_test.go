package orderbook

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newOrder(pay uint64, payGem common.Address, buy uint64, buyGem common.Address, owner common.Address) Order {
	return Order{
		PayAmt: *uint256.NewInt(pay),
		PayGem: payGem,
		BuyAmt: *uint256.NewInt(buy),
		BuyGem: buyGem,
		Owner:  owner,
	}
}

func mustInsert(t *testing.T, ob *OrderBook, o Order) uint64 {
	t.Helper()
	id, err := ob.Insert(o)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return id
}

func TestInsertAssignsSequentialIDs(t *testing.T) {
	ob := NewOrderBook()
	for want := uint64(1); want <= 4; want++ {
		id := mustInsert(t, ob, newOrder(100, tokenA, 100, tokenB, alice))
		if id != want {
			t.Fatalf("id: got %d, want %d", id, want)
		}
	}
	if ob.Depth(tokenA, tokenB) != 4 {
		t.Errorf("depth: got %d, want 4", ob.Depth(tokenA, tokenB))
	}
	if ob.Depth(tokenB, tokenA) != 0 {
		t.Errorf("reverse depth: got %d, want 0", ob.Depth(tokenB, tokenA))
	}
}

func TestInsertRejectsInvalid(t *testing.T) {
	ob := NewOrderBook()
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)

	tests := []struct {
		name  string
		order Order
	}{
		{"zero pay", newOrder(0, tokenA, 1, tokenB, alice)},
		{"zero buy", newOrder(1, tokenA, 0, tokenB, alice)},
		{"same asset", newOrder(1, tokenA, 1, tokenA, alice)},
		{"oversized", Order{PayAmt: *huge, PayGem: tokenA, BuyAmt: *uint256.NewInt(1), BuyGem: tokenB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ob.Insert(tt.order); !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
	if ob.LastID() != 0 {
		t.Errorf("rejected inserts consumed ids: last=%d", ob.LastID())
	}
}

func TestBestOfferPriority(t *testing.T) {
	ob := NewOrderBook()
	// Each pays A for B; the best gives the most A per B
	mustInsert(t, ob, newOrder(100, tokenA, 100, tokenB, alice)) // 1.0
	best := mustInsert(t, ob, newOrder(150, tokenA, 100, tokenB, alice))
	mustInsert(t, ob, newOrder(90, tokenA, 100, tokenB, bob)) // 0.9

	id, ok := ob.BestOffer(tokenA, tokenB)
	if !ok || id != best {
		t.Fatalf("best offer: got %d (ok=%v), want %d", id, ok, best)
	}

	offers := ob.Offers(tokenA, tokenB)
	if len(offers) != 3 {
		t.Fatalf("offers: got %d, want 3", len(offers))
	}
	for i := 1; i < len(offers); i++ {
		if offers[i].BetterThan(&offers[i-1]) {
			t.Errorf("offers not sorted best first at %d", i)
		}
	}

	top := ob.Best(tokenA, tokenB, 2)
	if len(top) != 2 || top[0].ID != offers[0].ID || top[1].ID != offers[1].ID {
		t.Errorf("Best(2) disagrees with Offers: %v", top)
	}
	if ob.Depth(tokenA, tokenB) != 3 {
		t.Error("Best mutated the pair index")
	}
}

func TestBestOfferTieBreaksOnLowestID(t *testing.T) {
	ob := NewOrderBook()
	first := mustInsert(t, ob, newOrder(100, tokenA, 50, tokenB, alice))
	mustInsert(t, ob, newOrder(200, tokenA, 100, tokenB, bob)) // same price, later

	id, _ := ob.BestOffer(tokenA, tokenB)
	if id != first {
		t.Fatalf("tie-break: got %d, want %d", id, first)
	}
}

func TestMarkFilled(t *testing.T) {
	ob := NewOrderBook()
	id := mustInsert(t, ob, newOrder(100, tokenA, 100, tokenB, alice))

	o, err := ob.MarkFilled(id, uint256.NewInt(40), uint256.NewInt(40))
	if err != nil {
		t.Fatalf("MarkFilled failed: %v", err)
	}
	if !o.Active || o.PayAmt.Uint64() != 60 || o.BuyAmt.Uint64() != 60 {
		t.Fatalf("partial fill: got active=%v pay=%d buy=%d", o.Active, o.PayAmt.Uint64(), o.BuyAmt.Uint64())
	}

	if _, err := ob.MarkFilled(id, uint256.NewInt(61), uint256.NewInt(1)); !errors.Is(err, ErrOverfill) {
		t.Fatalf("expected ErrOverfill, got %v", err)
	}

	o, err = ob.MarkFilled(id, uint256.NewInt(60), uint256.NewInt(60))
	if err != nil {
		t.Fatalf("MarkFilled failed: %v", err)
	}
	if o.Active {
		t.Fatal("fully filled order still active")
	}
	if ob.IsActive(id) || ob.Depth(tokenA, tokenB) != 0 {
		t.Fatal("fully filled order still indexed")
	}
	if _, err := ob.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ob := NewOrderBook()
	id := mustInsert(t, ob, newOrder(100, tokenA, 100, tokenB, alice))

	if _, err := ob.Cancel(id, bob); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	o, err := ob.Cancel(id, alice)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if o.Active || o.PayAmt.Uint64() != 100 {
		t.Fatalf("cancel result: active=%v pay=%d", o.Active, o.PayAmt.Uint64())
	}

	// Second cancel fails and leaves the book unchanged
	if _, err := ob.Cancel(id, alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ob.Len() != 0 {
		t.Errorf("book size: got %d, want 0", ob.Len())
	}
}

func TestPutRestoresOrder(t *testing.T) {
	ob := NewOrderBook()
	id := mustInsert(t, ob, newOrder(100, tokenA, 100, tokenB, alice))
	before, _ := ob.Get(id)

	if _, err := ob.MarkFilled(id, uint256.NewInt(100), uint256.NewInt(100)); err != nil {
		t.Fatalf("MarkFilled failed: %v", err)
	}
	ob.Put(before)

	got, err := ob.Get(id)
	if err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
	if !got.PayAmt.Eq(&before.PayAmt) || !got.BuyAmt.Eq(&before.BuyAmt) {
		t.Errorf("restored amounts differ: got %s/%s", got.PayAmt.Dec(), got.BuyAmt.Dec())
	}
	if best, _ := ob.BestOffer(tokenA, tokenB); best != id {
		t.Errorf("restored order not indexed: best=%d", best)
	}

	ob.Remove(id)
	ob.SetLastID(0)
	if ob.Len() != 0 || ob.LastID() != 0 {
		t.Errorf("Remove/SetLastID did not rewind: len=%d last=%d", ob.Len(), ob.LastID())
	}
}

func TestSpendKeepsPriceFromRising(t *testing.T) {
	tests := []struct {
		pay, buy, q uint64
	}{
		{100, 90, 33},
		{7, 3, 1},
		{1000, 1, 999},
		{3, 1000, 2},
		{100, 100, 100},
	}
	for _, tt := range tests {
		o := newOrder(tt.pay, tokenA, tt.buy, tokenB, alice)
		spend := o.Spend(uint256.NewInt(tt.q))
		remPay := tt.pay - tt.q
		remBuy := tt.buy - spend.Uint64()

		// remBuy/remPay <= buy/pay
		if remBuy*tt.pay > tt.buy*remPay {
			t.Errorf("pay=%d buy=%d q=%d: remaining price rose (%d/%d)", tt.pay, tt.buy, tt.q, remBuy, remPay)
		}
		// rounding is bounded by one unit
		if (remBuy+1)*tt.pay <= tt.buy*remPay {
			t.Errorf("pay=%d buy=%d q=%d: rounding exceeded one unit (%d/%d)", tt.pay, tt.buy, tt.q, remBuy, remPay)
		}
	}
}
