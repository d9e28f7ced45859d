package dex

import (
	"path/filepath"
	"testing"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/crypto"
	"github.com/uhyunpark/hyperbook/pkg/storage"
)

func TestBlockLogResumesHeight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market")
	store, err := storage.NewPebbleStore(path)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t)
	if err := h.app.SetBlockLog(store); err != nil {
		t.Fatal(err)
	}
	if _, err := h.app.SubmitTx(h.offer(t, h.alice, 100, tokenA, 90, tokenB)); err != nil {
		t.Fatal(err)
	}
	first := h.app.FinalizeBlock()
	h.app.FinalizeBlock()

	blk, ok, err := h.app.StoredBlock(1)
	if err != nil || !ok {
		t.Fatalf("stored block 1: ok=%v err=%v", ok, err)
	}
	if blk.StateHash != first.StateHash || len(blk.Receipts) != 1 || blk.Receipts[0].OfferID != 1 || !blk.Receipts[0].OK {
		t.Errorf("stored block 1: %+v", blk)
	}
	if _, ok, _ := h.app.StoredBlock(2); ok {
		t.Error("empty block stored")
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = storage.NewPebbleStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	eng := engine.New(engine.Config{Market: marketAddr}, market.NewAdmin(h.owner.Address(), feeTo, 0, 0), nil)
	restarted := New(eng, Config{Domain: crypto.DefaultDomain(marketAddr)}, nil, nil)
	if err := restarted.SetBlockLog(store); err != nil {
		t.Fatal(err)
	}
	if restarted.Height() != 2 {
		t.Fatalf("height after restart: %d", restarted.Height())
	}
	if next := restarted.FinalizeBlock(); next.Height != 3 {
		t.Errorf("next block height: %d", next.Height)
	}
}
