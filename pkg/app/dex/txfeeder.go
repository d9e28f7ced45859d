package dex

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// TxFeederConfig controls transaction generation rate
type TxFeederConfig struct {
	BatchSize   int           // Number of txs to generate per batch
	Interval    time.Duration // How often to generate batches
	NumAccounts int           // Number of simulated traders
	Base        common.Address
	Quote       common.Address
	Funding     uint64 // credited to every trader in both assets at start
}

// TxPerSecond is the target rate implied by the batch size and interval
func (c TxFeederConfig) TxPerSecond() float64 {
	return float64(c.BatchSize) / c.Interval.Seconds()
}

// FeederConfig returns the preset for mode: "default", "high" or "burst"
func FeederConfig(mode string, base, quote common.Address) (TxFeederConfig, error) {
	cfg := TxFeederConfig{Base: base, Quote: quote, Funding: 1 << 40}
	switch mode {
	case "", "default":
		cfg.BatchSize, cfg.Interval, cfg.NumAccounts = 10, 100*time.Millisecond, 50
	case "high":
		cfg.BatchSize, cfg.Interval, cfg.NumAccounts = 100, 100*time.Millisecond, 200
	case "burst":
		// 1500 txs per 100ms block
		cfg.BatchSize, cfg.Interval, cfg.NumAccounts = 150, 10*time.Millisecond, 500
	default:
		return TxFeederConfig{}, fmt.Errorf("unknown txgen mode %q", mode)
	}
	return cfg, nil
}

// StartTxFeeder funds a set of traders and feeds their signed transactions
// into the mempool until ctx is done. Devnet only: funding bypasses the bridge
func StartTxFeeder(ctx context.Context, app *App, cfg TxFeederConfig, logger *zap.Logger) (context.CancelFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gen, err := NewTxGenerator(cfg.NumAccounts, cfg.Base, cfg.Quote, app.cfg.Domain, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	funding := uint256.NewInt(cfg.Funding)
	for _, acct := range gen.Accounts() {
		for _, asset := range []common.Address{cfg.Base, cfg.Quote} {
			if err := app.Deposit(asset, acct, funding); err != nil {
				return nil, fmt.Errorf("fund %s: %w", acct.Hex(), err)
			}
		}
	}
	app.SubscribeEvents(gen.Observe)

	feedCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		statsTicker := time.NewTicker(10 * time.Second)
		defer statsTicker.Stop()

		start := time.Now()
		total, dropped := 0, 0
		logger.Info("txfeeder_started",
			zap.Float64("target_tps", cfg.TxPerSecond()),
			zap.Int("batch", cfg.BatchSize),
			zap.Duration("interval", cfg.Interval),
			zap.Int("accounts", cfg.NumAccounts))

		for {
			select {
			case <-feedCtx.Done():
				elapsed := time.Since(start)
				logger.Info("txfeeder_stopped",
					zap.Int("total", total),
					zap.Int("dropped", dropped),
					zap.Float64("tps", float64(total)/elapsed.Seconds()))
				return

			case <-ticker.C:
				for _, tx := range gen.GenerateBatch(cfg.BatchSize, app.Nonce) {
					if _, err := app.SubmitTx(tx); err != nil {
						dropped++
						continue
					}
					total++
				}

			case <-statsTicker.C:
				elapsed := time.Since(start)
				logger.Info("txfeeder_stats",
					zap.Int("total", total),
					zap.Int("dropped", dropped),
					zap.Float64("tps", float64(total)/elapsed.Seconds()))
			}
		}
	}()

	return cancel, nil
}
