package storage

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
)

var (
	admin  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	feeTo  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	escrow = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

func openStore(t *testing.T, dir string) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(dir, "market"))
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	return s
}

func TestEmptyStore(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	_, ok, err := s.Load()
	if err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
}

func TestEngineStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	e := engine.New(engine.Config{Market: escrow}, market.NewAdmin(admin, feeTo, 10, 0), nil)
	e.SetCommitter(s)
	for _, acct := range []common.Address{alice, bob} {
		if err := e.Deposit(tokenA, acct, uint256.NewInt(1000)); err != nil {
			t.Fatal(err)
		}
		if err := e.Deposit(tokenB, acct, uint256.NewInt(1000)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Offer(alice, engine.OfferRequest{PayAmt: *uint256.NewInt(100), PayGem: tokenA, BuyAmt: *uint256.NewInt(100), BuyGem: tokenB}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Offer(alice, engine.OfferRequest{PayAmt: *uint256.NewInt(50), PayGem: tokenA, BuyAmt: *uint256.NewInt(60), BuyGem: tokenB}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Buy(bob, 1, uint256.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetMakerFee(admin, 7); err != nil {
		t.Fatal(err)
	}
	if err := e.UseNonce(bob, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openStore(t, dir)
	defer s.Close()
	snap, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}

	restored := engine.New(engine.Config{Market: escrow}, snap.State.Admin, nil)
	restored.Load(snap.State, snap.Balances, snap.Nonces)

	if restored.IsActive(1) || !restored.IsActive(2) {
		t.Error("order liveness not persisted")
	}
	if restored.State().LastID != 2 {
		t.Errorf("last id: got %d, want 2", restored.State().LastID)
	}
	if restored.Admin().MakerFeeBPS != 7 || restored.Admin().ProtocolFeeBPS != 10 {
		t.Errorf("admin: %+v", restored.Admin())
	}
	if restored.Nonce(bob) != 1 {
		t.Errorf("nonce: got %d, want 1", restored.Nonce(bob))
	}
	for _, acct := range []common.Address{alice, bob, escrow, feeTo} {
		for _, asset := range []common.Address{tokenA, tokenB} {
			want, got := e.BalanceOf(asset, acct), restored.BalanceOf(asset, acct)
			if !want.Eq(&got) {
				t.Errorf("balance %s/%s: got %s, want %s", asset.Hex(), acct.Hex(), got.Dec(), want.Dec())
			}
		}
	}
}

func TestLoadMigratesV1(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	defer s.Close()

	v1 := market.StateV1{
		Owner:           admin,
		FeeTo:           feeTo,
		FeeBPS:          20,
		MatchingEnabled: true,
		BuyEnabled:      true,
		LastID:          3,
		Orders: []market.OrderV1{
			{ID: 1, PayAmt: *uint256.NewInt(90), PayGem: tokenA, BuyAmt: *uint256.NewInt(100), BuyGem: tokenB, Owner: alice},
			{ID: 3, PayAmt: *uint256.NewInt(10), PayGem: tokenB, BuyAmt: *uint256.NewInt(9), BuyGem: tokenA, Owner: bob},
		},
	}
	balances := []ledger.Balance{
		{Key: ledger.Key{Asset: tokenA, Account: escrow}, Amount: *uint256.NewInt(90)},
		{Key: ledger.Key{Asset: tokenB, Account: escrow}, Amount: *uint256.NewInt(10)},
	}
	if err := s.WriteV1(v1, balances); err != nil {
		t.Fatalf("WriteV1 failed: %v", err)
	}

	snap, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if v, _ := s.Version(); v != market.StateV2Version {
		t.Errorf("version after migration: got %d", v)
	}
	if snap.State.Admin.ProtocolFeeBPS != 20 || snap.State.Admin.MakerFeeBPS != 0 {
		t.Errorf("migrated fees: %+v", snap.State.Admin)
	}
	if len(snap.State.Orders) != 2 || snap.State.LastID != 3 {
		t.Fatalf("migrated orders: %d last=%d", len(snap.State.Orders), snap.State.LastID)
	}
	for _, o := range snap.State.Orders {
		if !o.Active || o.Recipient != (common.Address{}) {
			t.Errorf("order %d: active=%v recipient=%s", o.ID, o.Active, o.Recipient.Hex())
		}
	}

	e := engine.New(engine.Config{Market: escrow}, snap.State.Admin, nil)
	e.Load(snap.State, snap.Balances, snap.Nonces)
	if owner, _ := e.GetOwner(1); owner != alice {
		t.Errorf("owner of legacy order: %s", owner.Hex())
	}
	if r, _ := e.GetRecipient(3); r != bob {
		t.Errorf("recipient fallback: %s", r.Hex())
	}
	if _, err := e.Cancel(alice, 1); err != nil {
		t.Fatalf("cancel legacy order: %v", err)
	}
	if got := e.BalanceOf(tokenA, alice); got.Uint64() != 90 {
		t.Errorf("refund: got %s, want 90", got.Dec())
	}

	// A second load sees the already migrated layout
	again, _, err := s.Load()
	if err != nil || len(again.State.Orders) != 2 {
		t.Fatalf("reload after migration: %d orders, %v", len(again.State.Orders), err)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	id, err := orderIDFromKey(orderKey(42))
	if err != nil || id != 42 {
		t.Errorf("order key: %d, %v", id, err)
	}
	asset, account, err := balanceSlotFromKey(balanceKey(tokenA, alice))
	if err != nil || asset != tokenA || account != alice {
		t.Errorf("balance key: %s %s %v", asset.Hex(), account.Hex(), err)
	}
	acct, err := nonceAccountFromKey(nonceKey(bob))
	if err != nil || acct != bob {
		t.Errorf("nonce key: %s %v", acct.Hex(), err)
	}
	if string(keyUpperBound([]byte("bal:"))) != "bal;" {
		t.Error("upper bound")
	}
}
