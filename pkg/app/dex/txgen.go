package dex

import (
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/transaction"
	hcrypto "github.com/uhyunpark/hyperbook/pkg/crypto"
)

const (
	genLot      = 1_000 // base units per lot
	genMidPrice = 100   // quote per base
	genSpread   = 5
)

// TxGenerator creates signed devnet traffic on one base/quote pair: resting
// offers around a mid price, market sweeps, and cancels of its own offers.
//
// Cancels jump ahead of orders inside a block, so a cancel is only issued for
// an account whose earlier transactions have all been applied; otherwise its
// nonce would arrive out of order.
type TxGenerator struct {
	mu      sync.Mutex
	signers []*hcrypto.Signer
	index   map[common.Address]int
	nonces  []uint64
	open    [][]uint64 // live offer ids per signer
	base    common.Address
	quote   common.Address
	rng     *rand.Rand
	eip712  *hcrypto.EIP712Signer

	// accounts that may cancel in the current batch
	settled map[int]bool
}

func NewTxGenerator(numAccounts int, base, quote common.Address, domain hcrypto.EIP712Domain, seed int64) (*TxGenerator, error) {
	g := &TxGenerator{
		signers: make([]*hcrypto.Signer, numAccounts),
		index:   make(map[common.Address]int, numAccounts),
		nonces:  make([]uint64, numAccounts),
		open:    make([][]uint64, numAccounts),
		base:    base,
		quote:   quote,
		rng:     rand.New(rand.NewSource(seed)),
		eip712:  hcrypto.NewEIP712Signer(domain),
	}
	for i := range g.signers {
		s, err := hcrypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		g.signers[i] = s
		g.index[s.Address()] = i
	}
	return g, nil
}

func (g *TxGenerator) Accounts() []common.Address {
	out := make([]common.Address, len(g.signers))
	for i, s := range g.signers {
		out[i] = s.Address()
	}
	return out
}

// Observe tracks the generator's own resting offers. Subscribe it to app events
func (g *TxGenerator) Observe(ev engine.Event) {
	i, ok := g.index[ev.Order.Owner]
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case ev.Kind == engine.EventMake:
		g.open[i] = append(g.open[i], ev.Order.ID)
	case ev.Kind == engine.EventKill, ev.Kind == engine.EventTake && ev.Fill != nil && ev.Fill.MakerClosed:
		g.open[i] = removeID(g.open[i], ev.Order.ID)
	}
}

func removeID(ids []uint64, id uint64) []uint64 {
	for k, v := range ids {
		if v == id {
			return append(ids[:k], ids[k+1:]...)
		}
	}
	return ids
}

// GenerateBatch returns n serialized transactions. applied reports the next
// nonce the app expects for an account; it is called without the generator
// lock held so it may take the app lock
func (g *TxGenerator) GenerateBatch(n int, applied func(common.Address) uint64) [][]byte {
	g.mu.Lock()
	var candidates []int
	for i, ids := range g.open {
		if len(ids) > 0 {
			candidates = append(candidates, i)
		}
	}
	g.mu.Unlock()

	settled := make(map[int]bool, len(candidates))
	for _, i := range candidates {
		if applied(g.signers[i].Address()) == g.localNonce(i) {
			settled[i] = true
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled = settled
	batch := make([][]byte, 0, n)
	for len(batch) < n {
		var raw []byte
		switch r := g.rng.Intn(100); {
		case r < 10:
			raw = g.cancel()
		case r < 20:
			raw = g.sweep()
		}
		if raw == nil {
			raw = g.offer()
		}
		if raw != nil {
			batch = append(batch, raw)
		}
	}
	return batch
}

func (g *TxGenerator) localNonce(i int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[i]
}

func (g *TxGenerator) offer() []byte {
	i := g.rng.Intn(len(g.signers))
	qty := uint64(g.rng.Intn(100)+1) * genLot
	price := uint64(genMidPrice - genSpread + g.rng.Intn(2*genSpread+1))

	msg := &hcrypto.OfferEIP712{}
	if g.rng.Intn(2) == 0 {
		// sell base
		msg.PayAmt, msg.PayGem = *uint256.NewInt(qty), g.base
		msg.BuyAmt, msg.BuyGem = *uint256.NewInt(qty*price), g.quote
	} else {
		msg.PayAmt, msg.PayGem = *uint256.NewInt(qty*price), g.quote
		msg.BuyAmt, msg.BuyGem = *uint256.NewInt(qty), g.base
	}
	return g.sign(i, msg)
}

func (g *TxGenerator) sweep() []byte {
	i := g.rng.Intn(len(g.signers))
	qty := uint64(g.rng.Intn(20)+1) * genLot
	msg := &hcrypto.SweepEIP712{Kind: hcrypto.SweepSellAll}
	if g.rng.Intn(2) == 0 {
		msg.PayGem, msg.BuyGem, msg.Amount = g.base, g.quote, *uint256.NewInt(qty)
	} else {
		msg.PayGem, msg.BuyGem, msg.Amount = g.quote, g.base, *uint256.NewInt(qty*genMidPrice)
	}
	return g.sign(i, msg)
}

// cancel pulls a random offer of a settled account
func (g *TxGenerator) cancel() []byte {
	for i := range g.settled {
		if len(g.open[i]) == 0 {
			continue
		}
		id := g.open[i][g.rng.Intn(len(g.open[i]))]
		return g.sign(i, &hcrypto.CancelEIP712{OfferID: id})
	}
	return nil
}

// sign fills in auth for signer i and serializes. Any transaction from i ends
// its settled state for the batch. Caller holds mu
func (g *TxGenerator) sign(i int, msg hcrypto.TypedMessage) []byte {
	delete(g.settled, i)
	auth := hcrypto.Auth{Nonce: g.nonces[i], Owner: g.signers[i].Address()}
	switch m := msg.(type) {
	case *hcrypto.OfferEIP712:
		m.Auth = auth
	case *hcrypto.SweepEIP712:
		m.Auth = auth
	case *hcrypto.CancelEIP712:
		m.Auth = auth
	}
	sig, err := g.eip712.Sign(g.signers[i], msg)
	if err != nil {
		return nil
	}
	tx, err := transaction.NewSignedTransaction(msg, sig)
	if err != nil {
		return nil
	}
	raw, err := tx.Serialize()
	if err != nil {
		return nil
	}
	g.nonces[i]++
	return raw
}
