package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/util"
)

var (
	admin  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	feeTo  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	escrow = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol  = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	dave   = common.HexToAddress("0x000000000000000000000000000000000000da7e")
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

const startBalance = 1_000_000

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newTestEngine(t *testing.T, protocolBPS, makerBPS uint64) *Engine {
	t.Helper()
	e := New(Config{Market: escrow}, market.NewAdmin(admin, feeTo, protocolBPS, makerBPS), nil)
	e.SetClock(util.NewManualClock(time.Unix(1_700_000_000, 0)))
	for _, acct := range []common.Address{alice, bob, carol} {
		for _, asset := range []common.Address{tokenA, tokenB} {
			if err := e.Deposit(asset, acct, u(startBalance)); err != nil {
				t.Fatalf("Deposit failed: %v", err)
			}
		}
	}
	return e
}

func balance(e *Engine, asset, acct common.Address) uint64 {
	b := e.BalanceOf(asset, acct)
	return b.Uint64()
}

func offer(t *testing.T, e *Engine, caller common.Address, pay uint64, payGem common.Address, buy uint64, buyGem common.Address) OfferResult {
	t.Helper()
	res, err := e.Offer(caller, OfferRequest{
		PayAmt: *u(pay),
		PayGem: payGem,
		BuyAmt: *u(buy),
		BuyGem: buyGem,
	})
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	return res
}

// assertConserved checks that every asset's ledger total equals what was deposited
// and that the escrow holds exactly the live orders' pay amounts
func assertConserved(t *testing.T, e *Engine, deposited uint64) {
	t.Helper()
	totals := map[common.Address]*uint256.Int{tokenA: new(uint256.Int), tokenB: new(uint256.Int)}
	for _, b := range e.Balances() {
		totals[b.Asset].Add(totals[b.Asset], &b.Amount)
	}
	for asset, total := range totals {
		if total.Uint64() != deposited {
			t.Errorf("asset %s: ledger total %s, deposited %d", asset.Hex(), total.Dec(), deposited)
		}
	}

	locked := map[common.Address]*uint256.Int{tokenA: new(uint256.Int), tokenB: new(uint256.Int)}
	for _, o := range e.State().Orders {
		locked[o.PayGem].Add(locked[o.PayGem], &o.PayAmt)
	}
	for asset, amt := range locked {
		if held := e.BalanceOf(asset, escrow); !held.Eq(amt) {
			t.Errorf("asset %s: escrow holds %s, orders lock %s", asset.Hex(), held.Dec(), amt.Dec())
		}
	}
}

func TestOfferRestsAndEscrows(t *testing.T) {
	e := newTestEngine(t, 0, 0)

	res := offer(t, e, alice, 90, tokenA, 100, tokenB)
	if res.ID != 1 || !res.Resting || len(res.Fills) != 0 {
		t.Fatalf("result: %+v", res)
	}
	if got := balance(e, tokenA, alice); got != startBalance-90 {
		t.Errorf("alice A: got %d, want %d", got, startBalance-90)
	}
	if got := balance(e, tokenA, escrow); got != 90 {
		t.Errorf("escrow A: got %d, want 90", got)
	}
	if e.Depth(tokenA, tokenB) != 1 {
		t.Errorf("depth: got %d, want 1", e.Depth(tokenA, tokenB))
	}

	owner, err := e.GetOwner(1)
	if err != nil || owner != alice {
		t.Errorf("GetOwner: %s, %v", owner.Hex(), err)
	}
	recipient, err := e.GetRecipient(1)
	if err != nil || recipient != alice {
		t.Errorf("GetRecipient: %s, %v", recipient.Hex(), err)
	}
	o, err := e.GetOffer(1)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if o.Timestamp != 1_700_000_000 || !o.Active {
		t.Errorf("offer record: %+v", o)
	}

	assertConserved(t, e, 3*startBalance)
}

func TestOfferOwnerAndRecipient(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	res, err := e.Offer(alice, OfferRequest{
		PayAmt: *u(10), PayGem: tokenA, BuyAmt: *u(10), BuyGem: tokenB,
		Owner: bob, Recipient: carol,
	})
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if owner, _ := e.GetOwner(res.ID); owner != bob {
		t.Errorf("owner: got %s, want bob", owner.Hex())
	}
	if r, _ := e.GetRecipient(res.ID); r != carol {
		t.Errorf("recipient: got %s, want carol", r.Hex())
	}
	// Funds came from the caller
	if got := balance(e, tokenA, alice); got != startBalance-10 {
		t.Errorf("alice A: got %d", got)
	}
	if _, err := e.Cancel(alice, res.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("caller who is not owner cancelled: %v", err)
	}
	if _, err := e.Cancel(bob, res.ID); err != nil {
		t.Fatalf("owner cancel failed: %v", err)
	}
	if got := balance(e, tokenA, bob); got != startBalance+10 {
		t.Errorf("refund should go to owner: bob A=%d", got)
	}
}

func TestOfferValidation(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	huge := new(uint256.Int).Lsh(u(1), 130)

	tests := []struct {
		name string
		req  OfferRequest
	}{
		{"zero pay", OfferRequest{PayAmt: *u(0), PayGem: tokenA, BuyAmt: *u(1), BuyGem: tokenB}},
		{"zero buy", OfferRequest{PayAmt: *u(1), PayGem: tokenA, BuyAmt: *u(0), BuyGem: tokenB}},
		{"same asset", OfferRequest{PayAmt: *u(1), PayGem: tokenA, BuyAmt: *u(1), BuyGem: tokenA}},
		{"zero asset", OfferRequest{PayAmt: *u(1), PayGem: common.Address{}, BuyAmt: *u(1), BuyGem: tokenB}},
		{"oversized", OfferRequest{PayAmt: *huge, PayGem: tokenA, BuyAmt: *u(1), BuyGem: tokenB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Offer(alice, tt.req); !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestExactCrossFillsRestingOrder(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 90, tokenA, 100, tokenB)

	res := offer(t, e, bob, 100, tokenB, 90, tokenA)
	if res.Resting || res.ID != 1 || len(res.Fills) != 1 {
		t.Fatalf("result: %+v", res)
	}
	if got := balance(e, tokenA, bob); got != startBalance+90 {
		t.Errorf("bob A: got %d, want %d", got, startBalance+90)
	}
	if got := balance(e, tokenB, alice); got != startBalance+100 {
		t.Errorf("alice B: got %d, want %d", got, startBalance+100)
	}
	if e.Depth(tokenA, tokenB) != 0 || e.Depth(tokenB, tokenA) != 0 {
		t.Errorf("depth after full fill: %d/%d", e.Depth(tokenA, tokenB), e.Depth(tokenB, tokenA))
	}
	if e.IsActive(1) {
		t.Error("filled order still active")
	}
	assertConserved(t, e, 3*startBalance)
}

func TestOfferPartialFillRestsRemainderAtOriginalPrice(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 50, tokenA, 50, tokenB)

	// bob accepts 0.9 A per B; alice gives 1 A per B
	res := offer(t, e, bob, 100, tokenB, 90, tokenA)
	if !res.Resting || res.ID != 2 || len(res.Fills) != 1 {
		t.Fatalf("result: %+v", res)
	}
	rest, err := e.GetOffer(2)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if rest.PayAmt.Uint64() != 50 || rest.BuyAmt.Uint64() != 45 {
		t.Errorf("remainder: pay=%d buy=%d, want 50/45", rest.PayAmt.Uint64(), rest.BuyAmt.Uint64())
	}
	if got := balance(e, tokenA, bob); got != startBalance+50 {
		t.Errorf("bob A: got %d", got)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestOfferDoesNotCrossWorsePrice(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 90, tokenA, 100, tokenB) // 0.9 A per B

	res := offer(t, e, bob, 100, tokenB, 95, tokenA) // wants 0.95 A per B
	if !res.Resting || len(res.Fills) != 0 {
		t.Fatalf("crossed at a worse price: %+v", res)
	}
	if e.Depth(tokenA, tokenB) != 1 || e.Depth(tokenB, tokenA) != 1 {
		t.Error("both orders should rest")
	}
}

func TestMakerFeeGoesToMaker(t *testing.T) {
	run := func(makerBPS uint64) (net, makerA, feeToA uint64) {
		e := newTestEngine(t, 10, makerBPS)
		offer(t, e, alice, 1000, tokenA, 1000, tokenB)
		f, err := e.Buy(bob, 1, u(1000))
		if err != nil {
			t.Fatalf("Buy failed: %v", err)
		}
		if f.Gross.Uint64() != 1000 {
			t.Fatalf("gross: got %d", f.Gross.Uint64())
		}
		assertConserved(t, e, 3*startBalance)
		return balance(e, tokenA, bob) - startBalance, balance(e, tokenA, alice), balance(e, tokenA, feeTo)
	}

	netNoFee, makerNoFee, protocolNoFee := run(0)
	netFee, makerFee, protocolFee := run(10)

	if netNoFee != 999 || netFee != 998 {
		t.Fatalf("net: without maker fee %d, with %d", netNoFee, netFee)
	}
	if netFee >= netNoFee {
		t.Fatal("maker fee did not reduce net")
	}
	if protocolFee != protocolNoFee {
		t.Errorf("protocol share changed: %d vs %d", protocolFee, protocolNoFee)
	}
	if makerFee-makerNoFee != netNoFee-netFee {
		t.Errorf("maker received %d, difference was %d", makerFee-makerNoFee, netNoFee-netFee)
	}
}

func TestPriorityBestPriceFirst(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB) // 1.0 A per B
	offer(t, e, bob, 100, tokenA, 90, tokenB)    // 1.11 A per B, submitted later

	res, err := e.SellAllAmount(carol, tokenB, u(90), tokenA, u(0))
	if err != nil {
		t.Fatalf("SellAllAmount failed: %v", err)
	}
	if len(res.Fills) != 1 || res.Fills[0].OrderID != 2 {
		t.Fatalf("expected fill against order 2, got %+v", res.Fills)
	}
	if res.Filled.Uint64() != 100 {
		t.Errorf("filled: got %d, want 100", res.Filled.Uint64())
	}
	if !e.IsActive(1) || e.IsActive(2) {
		t.Error("wrong order consumed")
	}
}

func TestTieBreakLowestIDFirst(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB)
	offer(t, e, bob, 100, tokenA, 100, tokenB)

	res, err := e.SellAllAmount(carol, tokenB, u(50), tokenA, u(50))
	if err != nil {
		t.Fatalf("SellAllAmount failed: %v", err)
	}
	if len(res.Fills) != 1 || res.Fills[0].OrderID != 1 {
		t.Fatalf("expected fill against order 1, got %+v", res.Fills)
	}
	first, _ := e.GetOffer(1)
	second, _ := e.GetOffer(2)
	if first.PayAmt.Uint64() != 50 || second.PayAmt.Uint64() != 100 {
		t.Errorf("remaining: id1=%d id2=%d", first.PayAmt.Uint64(), second.PayAmt.Uint64())
	}
}

func TestPartialBuyKeepsPrice(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 90, tokenB)

	f, err := e.Buy(bob, 1, u(33))
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if f.Spend.Uint64() != 30 {
		t.Errorf("spend: got %d, want 30", f.Spend.Uint64())
	}
	o, _ := e.GetOffer(1)
	pay, buy := o.PayAmt.Uint64(), o.BuyAmt.Uint64()
	if pay != 67 || buy != 60 {
		t.Fatalf("remaining: %d/%d, want 67/60", pay, buy)
	}
	// buy/pay never rises and is within one unit of the original ratio
	if buy*100 > 90*pay || (buy+1)*100 <= 90*pay {
		t.Errorf("price drifted: %d/%d vs 90/100", buy, pay)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestBuyErrors(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB)

	if _, err := e.Buy(bob, 9, u(1)); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order: %v", err)
	}
	if _, err := e.Buy(bob, 1, u(0)); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("zero quantity: %v", err)
	}
	if _, err := e.Buy(bob, 1, u(101)); !errors.Is(err, ErrInsufficientOrderSize) {
		t.Errorf("oversized quantity: %v", err)
	}
	if err := e.SetBuyEnabled(admin, false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Buy(bob, 1, u(1)); !errors.Is(err, ErrBuyDisabled) {
		t.Errorf("buy disabled: %v", err)
	}
	o, _ := e.GetOffer(1)
	if o.PayAmt.Uint64() != 100 {
		t.Error("failed buys changed the order")
	}
}

func TestCancelRefundsOnce(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB)
	if _, err := e.Buy(bob, 1, u(40)); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Cancel(bob, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	closed, err := e.Cancel(alice, 1)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if closed.Active || closed.PayAmt.Uint64() != 60 {
		t.Errorf("closed: %+v", closed)
	}
	if got := balance(e, tokenA, alice); got != startBalance-40 {
		t.Errorf("alice A after refund: got %d, want %d", got, startBalance-40)
	}

	if _, err := e.Cancel(alice, 1); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("second cancel: expected ErrOrderNotFound, got %v", err)
	}
	if got := balance(e, tokenA, alice); got != startBalance-40 {
		t.Errorf("double refund: alice A=%d", got)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestSellAllAmountSlippageIsAtomic(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB)
	offer(t, e, bob, 100, tokenA, 200, tokenB)

	_, err := e.SellAllAmount(carol, tokenB, u(300), tokenA, u(201))
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if balance(e, tokenB, carol) != startBalance || balance(e, tokenA, carol) != startBalance {
		t.Error("failed sweep moved funds")
	}
	if e.Depth(tokenA, tokenB) != 2 {
		t.Error("failed sweep changed the book")
	}

	res, err := e.SellAllAmount(carol, tokenB, u(300), tokenA, u(200))
	if err != nil {
		t.Fatalf("SellAllAmount failed: %v", err)
	}
	if res.Filled.Uint64() != 200 || res.Spent.Uint64() != 300 {
		t.Errorf("result: filled=%d spent=%d", res.Filled.Uint64(), res.Spent.Uint64())
	}
	assertConserved(t, e, 3*startBalance)
}

func TestSellAllAmountEmptyBook(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	res, err := e.SellAllAmount(carol, tokenB, u(10), tokenA, u(0))
	if err != nil {
		t.Fatalf("SellAllAmount failed: %v", err)
	}
	if !res.Filled.IsZero() || len(res.Fills) != 0 {
		t.Errorf("empty book filled: %+v", res)
	}
	if _, err := e.SellAllAmount(carol, tokenB, u(10), tokenA, u(1)); !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
}

func seedLadder(t *testing.T, e *Engine) {
	offer(t, e, alice, 100_000, tokenA, 100_000, tokenB)
	offer(t, e, bob, 100_000, tokenA, 120_000, tokenB)
}

func TestQuotesMatchExecution(t *testing.T) {
	e := newTestEngine(t, 10, 0)
	seedLadder(t, e)

	gross, err := e.GetBuyAmount(tokenB, tokenA, u(150_000))
	if err != nil {
		t.Fatalf("GetBuyAmount: %v", err)
	}
	net, err := e.GetBuyAmountWithFee(tokenB, tokenA, u(150_000))
	if err != nil {
		t.Fatalf("GetBuyAmountWithFee: %v", err)
	}
	if gross.Uint64() != 141_666 {
		t.Errorf("gross quote: got %d, want 141666", gross.Uint64())
	}

	res, err := e.SellAllAmount(carol, tokenB, u(150_000), tokenA, &net)
	if err != nil {
		t.Fatalf("SellAllAmount at quoted minimum: %v", err)
	}
	if !res.Gross.Eq(&gross) || !res.Filled.Eq(&net) {
		t.Errorf("execution %s/%s differs from quote %s/%s", res.Gross.Dec(), res.Filled.Dec(), gross.Dec(), net.Dec())
	}
	if got := balance(e, tokenA, carol) - startBalance; got != net.Uint64() {
		t.Errorf("carol received %d, quoted %d", got, net.Uint64())
	}
	assertConserved(t, e, 3*startBalance)
}

func TestBuyAllAmountMatchesPayQuote(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	seedLadder(t, e)

	pay, err := e.GetPayAmount(tokenB, tokenA, u(141_666))
	if err != nil {
		t.Fatalf("GetPayAmount: %v", err)
	}
	if pay.Uint64() != 150_000 {
		t.Errorf("pay quote: got %d, want 150000", pay.Uint64())
	}

	if _, err := e.BuyAllAmount(carol, tokenA, u(141_666), tokenB, u(149_999)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	res, err := e.BuyAllAmount(carol, tokenA, u(141_666), tokenB, &pay)
	if err != nil {
		t.Fatalf("BuyAllAmount: %v", err)
	}
	if !res.Spent.Eq(&pay) || res.Gross.Uint64() != 141_666 {
		t.Errorf("result: spent=%s gross=%s", res.Spent.Dec(), res.Gross.Dec())
	}

	if _, err := e.GetPayAmount(tokenB, tokenA, u(1_000_000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := e.BuyAllAmount(carol, tokenA, u(1_000_000), tokenB, u(10_000_000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestMatchingDisabled(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	if err := e.SetMatchingEnabled(admin, false); err != nil {
		t.Fatal(err)
	}
	offer(t, e, alice, 100, tokenA, 100, tokenB)
	res := offer(t, e, bob, 100, tokenB, 100, tokenA)
	if len(res.Fills) != 0 || !res.Resting {
		t.Fatalf("matched while disabled: %+v", res)
	}
	if _, err := e.SellAllAmount(carol, tokenB, u(10), tokenA, u(0)); !errors.Is(err, ErrMatchingDisabled) {
		t.Fatalf("expected ErrMatchingDisabled, got %v", err)
	}
}

func TestInsufficientFundsRollsBack(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB)
	if err := e.Deposit(tokenB, dave, u(50)); err != nil {
		t.Fatal(err)
	}

	_, err := e.Offer(dave, OfferRequest{PayAmt: *u(100), PayGem: tokenB, BuyAmt: *u(100), BuyGem: tokenA})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	o, _ := e.GetOffer(1)
	if o.PayAmt.Uint64() != 100 || e.State().LastID != 1 {
		t.Errorf("state changed: order=%d last_id=%d", o.PayAmt.Uint64(), e.State().LastID)
	}
	if balance(e, tokenB, dave) != 50 || balance(e, tokenA, dave) != 0 {
		t.Error("dave's balances changed")
	}
}

type recordingCommitter struct {
	sets []ChangeSet
	err  error
}

func (c *recordingCommitter) Commit(cs ChangeSet) error {
	if c.err != nil {
		return c.err
	}
	c.sets = append(c.sets, cs)
	return nil
}

func TestCommitFailureRollsBack(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	var events []Event
	e.OnEvent = func(ev Event) { events = append(events, ev) }
	c := &recordingCommitter{err: errors.New("disk full")}
	e.SetCommitter(c)

	_, err := e.Offer(alice, OfferRequest{PayAmt: *u(100), PayGem: tokenA, BuyAmt: *u(100), BuyGem: tokenB})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if e.Depth(tokenA, tokenB) != 0 || balance(e, tokenA, alice) != startBalance || e.State().LastID != 0 {
		t.Error("state not rolled back after commit failure")
	}
	if len(events) != 0 {
		t.Errorf("events emitted for a failed commit: %d", len(events))
	}
}

func TestChangeSetAndEvents(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	var events []Event
	e.OnEvent = func(ev Event) { events = append(events, ev) }
	c := &recordingCommitter{}
	e.SetCommitter(c)

	offer(t, e, alice, 50, tokenA, 50, tokenB)
	offer(t, e, bob, 100, tokenB, 90, tokenA)
	if _, err := e.Cancel(bob, 2); err != nil {
		t.Fatal(err)
	}

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventMake, EventTake, EventMake, EventKill}
	if len(kinds) != len(want) {
		t.Fatalf("events: got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events: got %v, want %v", kinds, want)
		}
	}

	if len(c.sets) != 3 {
		t.Fatalf("commits: got %d, want 3", len(c.sets))
	}
	second := c.sets[1]
	if len(second.DeletedOrders) != 1 || second.DeletedOrders[0] != 1 {
		t.Errorf("filled order not deleted: %v", second.DeletedOrders)
	}
	if len(second.Orders) != 1 || second.Orders[0].ID != 2 || second.LastID != 2 {
		t.Errorf("resting order not upserted: %+v", second.Orders)
	}
	if len(second.Balances) == 0 {
		t.Error("no balances in change set")
	}
}

func TestMaxFillsBoundsSweep(t *testing.T) {
	e := New(Config{Market: escrow, MaxFills: 2}, market.NewAdmin(admin, feeTo, 0, 0), nil)
	for _, acct := range []common.Address{alice, carol} {
		if err := e.Deposit(tokenA, acct, u(1000)); err != nil {
			t.Fatal(err)
		}
		if err := e.Deposit(tokenB, acct, u(1000)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		offer(t, e, alice, 10, tokenA, 10, tokenB)
	}
	res, err := e.SellAllAmount(carol, tokenB, u(30), tokenA, u(0))
	if err != nil {
		t.Fatalf("SellAllAmount failed: %v", err)
	}
	if len(res.Fills) != 2 || res.Spent.Uint64() != 20 {
		t.Errorf("fills=%d spent=%d, want 2/20", len(res.Fills), res.Spent.Uint64())
	}
	if e.Depth(tokenA, tokenB) != 1 {
		t.Errorf("depth: got %d, want 1", e.Depth(tokenA, tokenB))
	}
}

func TestOfferAtFillCapDoesNotRestCrossing(t *testing.T) {
	newCapped := func() *Engine {
		e := New(Config{Market: escrow, MaxFills: 2}, market.NewAdmin(admin, feeTo, 0, 0), nil)
		for _, acct := range []common.Address{alice, carol} {
			for _, asset := range []common.Address{tokenA, tokenB} {
				if err := e.Deposit(asset, acct, u(1000)); err != nil {
					t.Fatal(err)
				}
			}
		}
		return e
	}

	tests := []struct {
		name        string
		thirdBuy    uint64 // B wanted for the third 10 A ask
		wantCapped  bool
		wantResting bool
		wantAsks    int
		wantBids    int
	}{
		{"next ask still crosses", 10, true, false, 1, 0},
		{"next ask is worse", 20, false, true, 1, 1},
	}
	for _, tt := range tests {
		e := newCapped()
		offer(t, e, alice, 10, tokenA, 10, tokenB)
		offer(t, e, alice, 10, tokenA, 10, tokenB)
		offer(t, e, alice, 10, tokenA, tt.thirdBuy, tokenB)

		res := offer(t, e, carol, 30, tokenB, 30, tokenA)
		if res.Capped != tt.wantCapped || res.Resting != tt.wantResting || len(res.Fills) != 2 {
			t.Errorf("%s: capped=%v resting=%v fills=%d", tt.name, res.Capped, res.Resting, len(res.Fills))
		}
		if got := e.Depth(tokenA, tokenB); got != tt.wantAsks {
			t.Errorf("%s: asks %d, want %d", tt.name, got, tt.wantAsks)
		}
		if got := e.Depth(tokenB, tokenA); got != tt.wantBids {
			t.Errorf("%s: bids %d, want %d", tt.name, got, tt.wantBids)
		}
		if tt.wantCapped {
			// the unfilled 10 B never left carol's wallet
			if got := balance(e, tokenB, carol); got != 980 {
				t.Errorf("%s: carol B %d, want 980", tt.name, got)
			}
		}
		assertConserved(t, e, 2000)
	}
}

func TestDustCloseRefundsMaker(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 3, tokenB)

	// 67 of 100 costs all 3 B, leaving 33 A wanting nothing
	f, err := e.Buy(bob, 1, u(67))
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if !f.MakerClosed || f.Refund.Uint64() != 33 || f.Spend.Uint64() != 3 {
		t.Errorf("fill: closed=%v refund=%d spend=%d", f.MakerClosed, f.Refund.Uint64(), f.Spend.Uint64())
	}
	if e.IsActive(1) || e.Depth(tokenA, tokenB) != 0 {
		t.Error("dust order still on the book")
	}
	if got := balance(e, tokenA, alice); got != startBalance-67 {
		t.Errorf("alice A: got %d, want %d", got, startBalance-67)
	}
	if got := balance(e, tokenB, alice); got != startBalance+3 {
		t.Errorf("alice B: got %d", got)
	}
	if got := balance(e, tokenA, bob); got != startBalance+67 {
		t.Errorf("bob A: got %d", got)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestBuyWorthLessThanOneUnitRejected(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 1, tokenB)

	for _, q := range []uint64{1, 99} {
		if _, err := e.Buy(bob, 1, u(q)); !errors.Is(err, ErrInsufficientOrderSize) {
			t.Errorf("quantity %d: got %v, want ErrInsufficientOrderSize", q, err)
		}
	}
	if got := balance(e, tokenB, bob); got != startBalance {
		t.Errorf("rejected buys charged bob: %d", got)
	}
	f, err := e.Buy(bob, 1, u(100))
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if f.Spend.Uint64() != 1 || !f.MakerClosed {
		t.Errorf("full buy: spend=%d closed=%v", f.Spend.Uint64(), f.MakerClosed)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestFeeRecipientEqualsMakerConserves(t *testing.T) {
	e := New(Config{Market: escrow}, market.NewAdmin(admin, alice, 30, 20), nil)
	for _, acct := range []common.Address{alice, bob} {
		for _, asset := range []common.Address{tokenA, tokenB} {
			if err := e.Deposit(asset, acct, u(startBalance)); err != nil {
				t.Fatal(err)
			}
		}
	}
	offer(t, e, alice, 10_000, tokenA, 10_000, tokenB)
	f, err := e.Buy(bob, 1, u(10_000))
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if f.Fees.Protocol.Uint64() != 30 || f.Fees.Maker.Uint64() != 20 {
		t.Errorf("fees: %+v", f.Fees)
	}
	// alice paid 10000 A into escrow and got back both fee shares
	if got := balance(e, tokenA, alice); got != startBalance-10_000+50 {
		t.Errorf("alice A: got %d", got)
	}
	if got := balance(e, tokenA, bob); got != startBalance+9_950 {
		t.Errorf("bob A: got %d", got)
	}
	assertConserved(t, e, 2*startBalance)
}

func TestMisconfiguredFeesFailFill(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	offer(t, e, alice, 100, tokenA, 100, tokenB)
	if err := e.SetFeeBPS(admin, 9_000); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMakerFee(admin, 2_000); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Buy(bob, 1, u(100)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := e.CalcAmountAfterFee(u(100)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	assertConserved(t, e, 3*startBalance)
}

func TestAdminRequiresOwner(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	if err := e.SetMakerFee(alice, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := e.SetMakerFee(admin, 10); err != nil {
		t.Fatalf("SetMakerFee failed: %v", err)
	}
	if e.Admin().MakerFeeBPS != 10 {
		t.Error("maker fee not applied")
	}
	net, err := e.CalcAmountAfterFee(u(10_000))
	if err != nil || net.Uint64() != 9_990 {
		t.Errorf("CalcAmountAfterFee: %s, %v", net.Dec(), err)
	}
}

func TestDustFloor(t *testing.T) {
	e := newTestEngine(t, 0, 0)
	if err := e.SetMinSell(admin, tokenA, u(50)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Offer(alice, OfferRequest{PayAmt: *u(49), PayGem: tokenA, BuyAmt: *u(49), BuyGem: tokenB}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
	offer(t, e, alice, 50, tokenA, 50, tokenB)
}

func TestLoadRestoresState(t *testing.T) {
	e := newTestEngine(t, 10, 5)
	offer(t, e, alice, 100, tokenA, 90, tokenB)
	offer(t, e, bob, 70, tokenA, 70, tokenB)

	restored := New(Config{Market: escrow}, market.NewAdmin(common.Address{}, common.Address{}, 0, 0), nil)
	restored.Load(e.State(), e.Balances(), map[common.Address]uint64{alice: 3})

	if restored.Depth(tokenA, tokenB) != 2 || restored.State().LastID != 2 {
		t.Fatalf("restored book: depth=%d last=%d", restored.Depth(tokenA, tokenB), restored.State().LastID)
	}
	if restored.Admin().ProtocolFeeBPS != 10 || restored.Admin().MakerFeeBPS != 5 {
		t.Error("admin not restored")
	}
	if restored.Nonce(alice) != 3 {
		t.Errorf("nonce: got %d", restored.Nonce(alice))
	}
	best, _ := restored.BestOffer(tokenA, tokenB)
	if best != 1 {
		t.Errorf("best after load: got %d, want 1", best)
	}
	res := offer(t, restored, carol, 10, tokenA, 10, tokenB)
	if res.ID != 3 {
		t.Errorf("id after load: got %d, want 3", res.ID)
	}
}

func TestLegacyOrderFallsBackToOwner(t *testing.T) {
	v1Owner := alice
	state := market.MigrateV1ToV2(market.StateV1{
		Owner: admin, FeeTo: feeTo, FeeBPS: 0, MatchingEnabled: true, BuyEnabled: true, LastID: 1,
		Orders: []market.OrderV1{{ID: 1, PayAmt: *u(100), PayGem: tokenA, BuyAmt: *u(100), BuyGem: tokenB, Owner: v1Owner}},
	})
	e := New(Config{Market: escrow}, state.Admin, nil)
	e.Load(state, nil, nil)
	if err := e.Deposit(tokenA, escrow, u(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.Deposit(tokenB, bob, u(100)); err != nil {
		t.Fatal(err)
	}

	if r, _ := e.GetRecipient(1); r != v1Owner {
		t.Errorf("recipient fallback: got %s", r.Hex())
	}
	if _, err := e.Buy(bob, 1, u(100)); err != nil {
		t.Fatalf("Buy legacy order: %v", err)
	}
	if got := balance(e, tokenB, v1Owner); got != 100 {
		t.Errorf("legacy owner proceeds: got %d, want 100", got)
	}
}
