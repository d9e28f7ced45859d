package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/params"
	"github.com/uhyunpark/hyperbook/pkg/api"
	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/app/dex"
	"github.com/uhyunpark/hyperbook/pkg/crypto"
	"github.com/uhyunpark/hyperbook/pkg/events"
	"github.com/uhyunpark/hyperbook/pkg/metrics"
	"github.com/uhyunpark/hyperbook/pkg/storage"
	"github.com/uhyunpark/hyperbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- Storage + engine ----
	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	snap, ok, err := store.Load()
	if err != nil {
		sugar.Fatalw("store_load_failed", "err", err)
	}

	admin := market.NewAdmin(cfg.Market.Admin, cfg.Market.FeeTo, cfg.Market.ProtocolFeeBPS, cfg.Market.MakerFeeBPS)
	admin.MatchingEnabled = cfg.Market.MatchingEnabled
	admin.BuyEnabled = cfg.Market.BuyEnabled

	eng := engine.New(engine.Config{Market: cfg.Market.Address, MaxFills: cfg.Market.MaxFills}, admin, logger.Named("engine"))
	if ok {
		eng.Load(snap.State, snap.Balances, snap.Nonces)
		sugar.Infow("state_loaded",
			"offers", len(snap.State.Orders),
			"last_id", snap.State.LastID,
			"owner", snap.State.Admin.Owner.Hex())
	}
	eng.SetCommitter(store)
	if !ok {
		// Fresh store: persist the configured admin so restarts find it
		if err := eng.Checkpoint(); err != nil {
			sugar.Fatalw("genesis_commit_failed", "err", err)
		}
		sugar.Infow("market_initialized",
			"market", cfg.Market.Address.Hex(),
			"owner", cfg.Market.Admin.Hex(),
			"protocol_fee_bps", cfg.Market.ProtocolFeeBPS,
			"maker_fee_bps", cfg.Market.MakerFeeBPS)
	}

	// ---- App: spot order book ----
	app := dex.New(eng, dex.Config{
		Domain: crypto.EIP712Domain{
			Name:              "Hyperbook",
			Version:           "1",
			ChainID:           big.NewInt(cfg.Market.ChainID),
			VerifyingContract: cfg.Market.Address,
		},
		MempoolLimit: cfg.Node.MempoolLimit,
	}, logger.Named("app"), m)
	if err := app.SetBlockLog(store); err != nil {
		sugar.Fatalw("block_log_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Event stream (optional) ----
	// The publisher outlives ctx so the final block's events are flushed
	var pub *events.Publisher
	pubCtx, stopPub := context.WithCancel(context.Background())
	defer stopPub()
	if cfg.Kafka.Enabled() {
		pub = events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"), m)
		app.SubscribeEvents(pub.Publish)
		go pub.Run(pubCtx)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Options{
		Faucet:         cfg.Node.FaucetEnabled,
		AllowedOrigins: cfg.Node.CORSOrigins,
		Gatherer:       reg,
		Logger:         logger.Named("api"),
	})
	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil && ctx.Err() == nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- Transaction Feeder (optional) ----
	// Enable with: ENABLE_TXGEN=true TXGEN_MODE=default|high|burst
	if cfg.TxGen.Enabled {
		feederCfg, err := dex.FeederConfig(cfg.TxGen.Mode, cfg.TxGen.Base, cfg.TxGen.Quote)
		if err != nil {
			sugar.Fatalw("txgen_config_invalid", "err", err)
		}
		cancelFeeder, err := dex.StartTxFeeder(ctx, app, feederCfg, logger.Named("txgen"))
		if err != nil {
			sugar.Fatalw("txgen_start_failed", "err", err)
		}
		defer cancelFeeder()
	}

	sugar.Infow("node_starting",
		"api", cfg.Node.APIAddr,
		"block_interval", cfg.Node.BlockInterval,
		"height", app.Height(),
		"offers", app.OfferCount(),
		"state_hash", app.StateHash().Hex())

	// Sequencer loop: one block per interval until shutdown
	app.Run(ctx, cfg.Node.BlockInterval)

	// Apply whatever was queued before the signal
	if app.PendingTxs() > 0 {
		blk := app.FinalizeBlock()
		logger.Info("final_block", zap.Int64("height", blk.Height), zap.Int("txs", len(blk.Receipts)))
	}
	if pub != nil {
		stopPub()
		<-pub.Done()
	}
	sugar.Infow("node_stopped", "height", app.Height(), "state_hash", app.StateHash().Hex())
}
