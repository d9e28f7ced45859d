package dex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/mempool"
	"github.com/uhyunpark/hyperbook/pkg/app/core/query"
	"github.com/uhyunpark/hyperbook/pkg/app/core/transaction"
	hcrypto "github.com/uhyunpark/hyperbook/pkg/crypto"
	"github.com/uhyunpark/hyperbook/pkg/metrics"
	"github.com/uhyunpark/hyperbook/pkg/storage"
	"github.com/uhyunpark/hyperbook/pkg/util"
)

var ErrMempoolFull = errors.New("mempool full")

type Config struct {
	Domain        hcrypto.EIP712Domain
	MempoolLimit  int   // 0 = unbounded
	MaxBlockBytes int64 // 0 = drain everything each block
}

// Receipt is the outcome of one transaction
type Receipt struct {
	Hash    common.Hash        `json:"hash"`
	Type    transaction.TxType `json:"type"`
	Caller  common.Address     `json:"caller"`
	OK      bool               `json:"ok"`
	Error   string             `json:"error,omitempty"`
	OfferID uint64             `json:"offer_id,omitempty"`
	Resting bool               `json:"resting,omitempty"`
	Capped  bool               `json:"capped,omitempty"`
	Fills   int                `json:"fills"`
	Filled  string             `json:"filled,omitempty"` // sweeps: received after fees
	Spent   string             `json:"spent,omitempty"`  // sweeps: paid
}

// Block is one drained batch of the mempool
type Block struct {
	Height    int64       `json:"height"`
	Time      time.Time   `json:"time"`
	Receipts  []Receipt   `json:"receipts"`
	StateHash common.Hash `json:"state_hash"`
}

// BlockLog persists finalized blocks so height and receipts survive restarts
type BlockLog interface {
	SaveBlock(storage.BlockRecord) error
	Block(height int64) (storage.BlockRecord, bool, error)
	LatestHeight() (int64, error)
}

// App sequences signed transactions into the matching engine. Writers hold mu
// exclusively; queries share it, so each query sees one consistent state
type App struct {
	mu       sync.RWMutex
	engine   *engine.Engine
	query    *query.Layer
	verifier *transaction.Verifier
	mempool  *mempool.Mempool
	cfg      Config
	clock    util.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	height    int64
	stateHash common.Hash
	blocks    BlockLog

	eventSubs []func(engine.Event)
	blockSubs []func(Block)
}

func New(eng *engine.Engine, cfg Config, logger *zap.Logger, m *metrics.Metrics) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	a := &App{
		engine:   eng,
		query:    query.New(eng),
		verifier: transaction.NewVerifier(cfg.Domain),
		mempool:  mempool.NewMempool(cfg.MempoolLimit),
		cfg:      cfg,
		clock:    util.RealClock{},
		logger:   logger,
		metrics:  m,
	}
	eng.OnEvent = a.dispatch
	a.stateHash = a.computeStateHash()
	a.metrics.Offers.Set(float64(eng.OfferCount()))
	return a
}

func (a *App) SetClock(c util.Clock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = c
	a.engine.SetClock(c)
}

// SetBlockLog attaches persistent block storage and resumes from its height
func (a *App) SetBlockLog(l BlockLog) error {
	h, err := l.LatestHeight()
	if err != nil {
		return fmt.Errorf("load height: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = l
	a.height = h
	return nil
}

// SubscribeEvents registers fn for every committed engine event. fn runs with
// the app lock held and must not call back into the App
func (a *App) SubscribeEvents(fn func(engine.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventSubs = append(a.eventSubs, fn)
}

// SubscribeBlocks registers fn for every finalized block; fn runs without the lock
func (a *App) SubscribeBlocks(fn func(Block)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blockSubs = append(a.blockSubs, fn)
}

func (a *App) dispatch(ev engine.Event) {
	if ev.Kind == engine.EventTake {
		a.metrics.Fills.Inc()
	}
	for _, fn := range a.eventSubs {
		fn(ev)
	}
}

// SubmitTx validates the envelope and queues it for the next block
func (a *App) SubmitTx(raw []byte) (common.Hash, error) {
	if _, err := transaction.ParseTransaction(raw); err != nil {
		return common.Hash{}, err
	}
	if !a.mempool.Push(raw) {
		return common.Hash{}, ErrMempoolFull
	}
	a.metrics.MempoolSize.Set(float64(a.mempool.Len()))
	return crypto.Keccak256Hash(raw), nil
}

// FinalizeBlock drains the mempool, applies every transaction in block order
// and notifies block subscribers
func (a *App) FinalizeBlock() Block {
	start := time.Now()
	txs := a.mempool.Select(a.cfg.MaxBlockBytes)

	a.mu.Lock()
	a.height++
	blk := Block{Height: a.height, Time: a.clock.Now()}
	for _, raw := range txs {
		blk.Receipts = append(blk.Receipts, a.applyTx(raw))
	}
	a.stateHash = a.computeStateHash()
	blk.StateHash = a.stateHash
	a.saveBlock(blk)
	subs := a.blockSubs
	a.metrics.Offers.Set(float64(a.engine.OfferCount()))
	a.mu.Unlock()

	a.metrics.Height.Set(float64(blk.Height))
	a.metrics.MempoolSize.Set(float64(a.mempool.Len()))
	a.metrics.BlockSeconds.Observe(time.Since(start).Seconds())
	if len(txs) > 0 {
		a.logger.Info("block_finalized",
			zap.Int64("height", blk.Height),
			zap.Int("txs", len(txs)),
			zap.String("state_hash", blk.StateHash.Hex()))
	}
	for _, fn := range subs {
		fn(blk)
	}
	return blk
}

// saveBlock records blk in the block log. Engine state is already committed,
// so a failure here only loses history. Caller holds mu
func (a *App) saveBlock(blk Block) {
	if a.blocks == nil {
		return
	}
	rec := storage.BlockRecord{Height: blk.Height, Time: blk.Time, StateHash: blk.StateHash, TxCount: len(blk.Receipts)}
	if len(blk.Receipts) > 0 {
		body, err := json.Marshal(blk.Receipts)
		if err != nil {
			a.logger.Error("block_encode_failed", zap.Int64("height", blk.Height), zap.Error(err))
			return
		}
		rec.Body = body
	}
	if err := a.blocks.SaveBlock(rec); err != nil {
		a.logger.Error("block_save_failed", zap.Int64("height", blk.Height), zap.Error(err))
	}
}

// ApplyTx applies one transaction immediately, bypassing the mempool
func (a *App) ApplyTx(raw []byte) Receipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.applyTx(raw)
	a.stateHash = a.computeStateHash()
	return r
}

// Run finalizes a block every interval until ctx is done
func (a *App) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.FinalizeBlock()
		}
	}
}

// applyTx verifies, consumes the signer's nonce, then executes. The nonce stays
// consumed when execution fails. Caller holds mu
func (a *App) applyTx(raw []byte) Receipt {
	r := Receipt{Hash: crypto.Keccak256Hash(raw)}

	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return a.reject(r, err)
	}
	r.Type = tx.Type
	v, err := a.verifier.Verify(tx, a.clock.Now())
	if err != nil {
		return a.reject(r, err)
	}
	r.Caller = v.Caller
	if err := a.engine.UseNonce(v.Caller, v.Nonce); err != nil {
		return a.reject(r, err)
	}

	if err := a.execute(&r, v); err != nil {
		r.Error = err.Error()
		a.metrics.Txs.WithLabelValues(string(r.Type), "failed").Inc()
		a.logger.Debug("tx_failed", zap.String("hash", r.Hash.Hex()), zap.String("type", string(r.Type)), zap.Error(err))
		return r
	}
	r.OK = true
	a.metrics.Txs.WithLabelValues(string(r.Type), "ok").Inc()
	return r
}

func (a *App) reject(r Receipt, err error) Receipt {
	r.Error = err.Error()
	typ := string(r.Type)
	if typ == "" {
		typ = "unknown"
	}
	a.metrics.Txs.WithLabelValues(typ, "rejected").Inc()
	a.logger.Debug("tx_rejected", zap.String("hash", r.Hash.Hex()), zap.Error(err))
	return r
}

func (a *App) execute(r *Receipt, v transaction.Verified) error {
	caller := v.Caller
	switch m := v.Message.(type) {
	case *hcrypto.OfferEIP712:
		res, err := a.engine.Offer(caller, engine.OfferRequest{
			PayAmt: m.PayAmt, PayGem: m.PayGem,
			BuyAmt: m.BuyAmt, BuyGem: m.BuyGem,
			Recipient: m.Recipient,
		})
		if err != nil {
			return err
		}
		r.OfferID, r.Resting, r.Capped, r.Fills = res.ID, res.Resting, res.Capped, len(res.Fills)
		return nil

	case *hcrypto.CancelEIP712:
		_, err := a.engine.Cancel(caller, m.OfferID)
		r.OfferID = m.OfferID
		return err

	case *hcrypto.TakeEIP712:
		if _, err := a.engine.Buy(caller, m.OfferID, &m.Quantity); err != nil {
			return err
		}
		r.OfferID, r.Fills = m.OfferID, 1
		return nil

	case *hcrypto.SweepEIP712:
		var res engine.SweepResult
		var err error
		if m.Kind == hcrypto.SweepBuyAll {
			res, err = a.engine.BuyAllAmount(caller, m.BuyGem, &m.Amount, m.PayGem, &m.Limit)
		} else {
			res, err = a.engine.SellAllAmount(caller, m.PayGem, &m.Amount, m.BuyGem, &m.Limit)
		}
		if err != nil {
			return err
		}
		r.Fills, r.Filled, r.Spent = len(res.Fills), res.Filled.Dec(), res.Spent.Dec()
		return nil

	case *hcrypto.WithdrawEIP712:
		return a.engine.Withdraw(caller, m.Asset, &m.Amount)

	case *hcrypto.AdminEIP712:
		return a.applyAdmin(caller, m)
	}
	return fmt.Errorf("unsupported message %T", v.Message)
}

func (a *App) applyAdmin(caller common.Address, m *hcrypto.AdminEIP712) error {
	switch m.Action {
	case transaction.AdminSetFeeBPS:
		return a.engine.SetFeeBPS(caller, m.Value.Uint64())
	case transaction.AdminSetMakerFee:
		return a.engine.SetMakerFee(caller, m.Value.Uint64())
	case transaction.AdminSetFeeTo:
		return a.engine.SetFeeTo(caller, m.Account)
	case transaction.AdminSetMatchingEnabled:
		return a.engine.SetMatchingEnabled(caller, !m.Value.IsZero())
	case transaction.AdminSetBuyEnabled:
		return a.engine.SetBuyEnabled(caller, !m.Value.IsZero())
	case transaction.AdminSetMinSell:
		return a.engine.SetMinSell(caller, m.Asset, &m.Value)
	case transaction.AdminTransferOwnership:
		return a.engine.TransferOwnership(caller, m.Account)
	}
	return fmt.Errorf("%w: unknown admin action %s", transaction.ErrMalformed, m.Action)
}

// Deposit credits funds arriving from the bridge (or the dev faucet)
func (a *App) Deposit(asset, account common.Address, amount *uint256.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.engine.Deposit(asset, account, amount); err != nil {
		return err
	}
	a.stateHash = a.computeStateHash()
	return nil
}
