package dex

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbook/pkg/crypto"
)

func TestTxGeneratorKeepsNoncesInOrder(t *testing.T) {
	h := newHarness(t)
	gen, err := NewTxGenerator(5, tokenA, tokenB, crypto.DefaultDomain(marketAddr), 42)
	if err != nil {
		t.Fatal(err)
	}
	for _, acct := range gen.Accounts() {
		for _, asset := range []common.Address{tokenA, tokenB} {
			if err := h.app.Deposit(asset, acct, uint256.NewInt(1<<40)); err != nil {
				t.Fatal(err)
			}
		}
	}
	h.app.SubscribeEvents(gen.Observe)

	counts := make(map[transaction.TxType]int)
	ok := 0
	for round := 0; round < 30; round++ {
		for _, raw := range gen.GenerateBatch(10, h.app.Nonce) {
			if _, err := h.app.SubmitTx(raw); err != nil {
				t.Fatalf("SubmitTx: %v", err)
			}
		}
		for _, r := range h.app.FinalizeBlock().Receipts {
			counts[r.Type]++
			if r.OK {
				ok++
			}
			if strings.Contains(r.Error, "nonce") || strings.Contains(r.Error, "signature") {
				t.Fatalf("round %d: %+v", round, r)
			}
		}
	}

	if counts[transaction.TxTypeOffer] == 0 || counts[transaction.TxTypeSellAll] == 0 || counts[transaction.TxTypeCancel] == 0 {
		t.Errorf("traffic mix: %v", counts)
	}
	if ok == 0 {
		t.Error("no transaction succeeded")
	}
	for _, acct := range gen.Accounts() {
		if h.app.Nonce(acct) != gen.localNonce(gen.index[acct]) {
			t.Errorf("%s: app nonce %d, generator %d", acct.Hex(), h.app.Nonce(acct), gen.localNonce(gen.index[acct]))
		}
	}
}

func TestFeederConfig(t *testing.T) {
	cfg, err := FeederConfig("high", tokenA, tokenB)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TxPerSecond() != 1000 || cfg.Interval != 100*time.Millisecond {
		t.Errorf("high preset: %+v", cfg)
	}
	if _, err := FeederConfig("ludicrous", tokenA, tokenB); err == nil {
		t.Error("unknown mode accepted")
	}
}
