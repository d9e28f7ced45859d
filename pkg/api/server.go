package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperbook/pkg/app/core/query"
	"github.com/uhyunpark/hyperbook/pkg/app/dex"
	"github.com/uhyunpark/hyperbook/pkg/events"
)

const maxTxBytes = 64 << 10

type Options struct {
	// Faucet exposes POST /api/v1/deposit, crediting balances without a bridge
	Faucet         bool
	AllowedOrigins []string
	// Gatherer backs /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app      *dex.App
	router   *mux.Router
	hub      *Hub
	upgrader *websocket.Upgrader
	ids      *events.IDSource
	opts     Options
	logger   *zap.Logger

	// pairs touched since the last block; book snapshots go out per block
	touchedMu sync.Mutex
	touched   map[orderbook.Pair]struct{}
}

// NewServer creates a new API server and subscribes it to app events
func NewServer(app *dex.App, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		app:      app,
		router:   mux.NewRouter(),
		hub:      NewHub(opts.Logger),
		upgrader: newUpgrader(opts.AllowedOrigins),
		ids:      events.NewIDSource(),
		opts:     opts,
		logger:   opts.Logger,
		touched:  make(map[orderbook.Pair]struct{}),
	}
	s.setupRoutes()
	app.SubscribeEvents(s.onEvent)
	app.SubscribeBlocks(s.onBlock)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/market", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/offers/{id:[0-9]+}", s.handleGetOffer).Methods("GET")
	api.HandleFunc("/book/{asset}/{quote}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/depth/{pay}/{buy}", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/best/{pay}/{buy}", s.handleGetBest).Methods("GET")
	api.HandleFunc("/quote/buy", s.handleQuoteBuy).Methods("GET")
	api.HandleFunc("/quote/pay", s.handleQuotePay).Methods("GET")
	api.HandleFunc("/fee", s.handleAmountAfterFee).Methods("GET")

	// Account endpoints
	api.HandleFunc("/makers/{address}/balance", s.handleMakerBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/nonce", s.handleGetNonce).Methods("GET")

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")
	api.HandleFunc("/blocks/{height:[0-9]+}", s.handleGetBlock).Methods("GET")

	// Transaction submission
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	if s.opts.Faucet {
		api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.hub.Close()
	return err
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	adm := s.app.Admin()
	minSell := make(map[string]string, len(adm.MinSell))
	for asset, v := range adm.MinSell {
		minSell[asset.Hex()] = v.Dec()
	}
	respondJSON(w, MarketInfo{
		Address:         s.app.MarketAddress().Hex(),
		Owner:           adm.Owner.Hex(),
		FeeTo:           adm.FeeTo.Hex(),
		ProtocolFeeBps:  adm.ProtocolFeeBPS,
		MakerFeeBps:     adm.MakerFeeBPS,
		MatchingEnabled: adm.MatchingEnabled,
		BuyEnabled:      adm.BuyEnabled,
		MinSell:         minSell,
	})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid offer id", err.Error())
		return
	}
	o, err := s.app.Offer(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, events.OrderViewOf(o))
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid height", err.Error())
		return
	}
	blk, ok, err := s.app.StoredBlock(height)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "block store", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "block not found", "no stored transactions at this height")
		return
	}
	respondJSON(w, blockUpdateOf(blk))
}

func blockUpdateOf(blk dex.Block) BlockUpdate {
	return BlockUpdate{
		Height:    blk.Height,
		Time:      blk.Time.UnixMilli(),
		StateHash: blk.StateHash.Hex(),
		Receipts:  blk.Receipts,
	}
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	asset, quote, ok := pathPair(w, r, "asset", "quote")
	if !ok {
		return
	}
	respondJSON(w, s.snapshot(asset, quote))
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	pay, buy, ok := pathPair(w, r, "pay", "buy")
	if !ok {
		return
	}
	respondJSON(w, DepthResponse{PayGem: pay.Hex(), BuyGem: buy.Hex(), Depth: s.app.Depth(pay, buy)})
}

func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	pay, buy, ok := pathPair(w, r, "pay", "buy")
	if !ok {
		return
	}
	resp := BestOfferResponse{PayGem: pay.Hex(), BuyGem: buy.Hex()}
	if id, found := s.app.BestOffer(pay, buy); found {
		// the book may move between the two reads; report what is there now
		if o, err := s.app.Offer(id); err == nil {
			v := events.OrderViewOf(o)
			resp.Found, resp.Offer = true, &v
		}
	}
	respondJSON(w, resp)
}

// handleQuoteBuy answers: selling pay_amt of pay_gem yields how much buy_gem?
func (s *Server) handleQuoteBuy(w http.ResponseWriter, r *http.Request) {
	pay, buy, ok := queryPair(w, r)
	if !ok {
		return
	}
	amt, ok := queryAmount(w, r, "pay_amt")
	if !ok {
		return
	}
	q, err := s.app.QuoteBuy(pay, buy, amt)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, QuoteResponse{PayGem: pay.Hex(), BuyGem: buy.Hex(), PayAmt: amt.Dec(), Gross: q.Gross.Dec(), Net: q.Net.Dec()})
}

// handleQuotePay answers: obtaining buy_amt of buy_gem costs how much pay_gem?
func (s *Server) handleQuotePay(w http.ResponseWriter, r *http.Request) {
	pay, buy, ok := queryPair(w, r)
	if !ok {
		return
	}
	amt, ok := queryAmount(w, r, "buy_amt")
	if !ok {
		return
	}
	cost, err := s.app.QuotePay(pay, buy, amt)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, QuoteResponse{PayGem: pay.Hex(), BuyGem: buy.Hex(), PayAmt: cost.Dec(), Gross: amt.Dec()})
}

func (s *Server) handleAmountAfterFee(w http.ResponseWriter, r *http.Request) {
	amt, ok := queryAmount(w, r, "amount")
	if !ok {
		return
	}
	net, err := s.app.AmountAfterFee(amt)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, FeeResponse{Amount: amt.Dec(), AfterFee: net.Dec()})
}

// handleMakerBalance sums the maker's resting asset across every quote given
// as a repeated ?quote= parameter, plus its free balance
func (s *Server) handleMakerBalance(w http.ResponseWriter, r *http.Request) {
	maker, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	asset, ok := queryAddress(w, r, "asset")
	if !ok {
		return
	}
	var quotes []common.Address
	var quoteHex []string
	for _, q := range r.URL.Query()["quote"] {
		if !common.IsHexAddress(q) {
			respondError(w, http.StatusBadRequest, "invalid address", q)
			return
		}
		addr := common.HexToAddress(q)
		quotes = append(quotes, addr)
		quoteHex = append(quoteHex, addr.Hex())
	}
	mb := s.app.MakerBalance(asset, quotes, maker)
	respondJSON(w, MakerBalanceResponse{
		Maker:  maker.Hex(),
		Asset:  asset.Hex(),
		Quotes: quoteHex,
		Locked: mb.Locked.Dec(),
		Wallet: mb.Wallet.Dec(),
	})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	resp := AccountBalances{Address: addr.Hex(), Balances: []BalanceInfo{}}
	for _, b := range s.app.AccountBalances(addr) {
		resp.Balances = append(resp.Balances, BalanceInfo{Asset: b.Asset.Hex(), Amount: b.Amount.Dec()})
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	respondJSON(w, NonceResponse{Address: addr.Hex(), Nonce: s.app.Nonce(addr)})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ChainStatus{
		Height:      s.app.Height(),
		StateHash:   s.app.StateHash().Hex(),
		MempoolSize: s.app.PendingTxs(),
		Offers:      s.app.OfferCount(),
	})
}

// handleSubmitTx queues a signed transaction. Signature and nonce are checked
// when the block applies it; the receipt arrives on the blocks channel
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(body) > maxTxBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "transaction too large", "")
		return
	}

	hash, err := s.app.SubmitTx(body)
	switch {
	case errors.Is(err, dex.ErrMempoolFull):
		respondError(w, http.StatusServiceUnavailable, "mempool full", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return
	}
	s.logger.Debug("tx_submitted", zap.String("hash", hash.Hex()), zap.Int("bytes", len(body)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitTxResponse{Status: "queued", Hash: hash.Hex()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Asset) || !common.IsHexAddress(req.Account) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	amt, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	asset, account := common.HexToAddress(req.Asset), common.HexToAddress(req.Account)
	if err := s.app.Deposit(asset, account, amt); err != nil {
		respondEngineError(w, err)
		return
	}
	s.logger.Info("faucet_deposit", zap.String("asset", asset.Hex()), zap.String("account", account.Hex()), zap.String("amount", amt.Dec()))
	bal := s.app.BalanceOf(asset, account)
	respondJSON(w, BalanceInfo{Asset: asset.Hex(), Amount: bal.Dec()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Push (called from the app)
// ==============================

// onEvent runs under the app lock: it only fans out and records the pair
func (s *Server) onEvent(ev engine.Event) {
	msg := events.NewMessage(ev, s.ids)
	if ev.Kind == engine.EventAdmin {
		s.hub.BroadcastToChannel(adminChannel, "event", msg)
		return
	}

	s.touchedMu.Lock()
	s.touched[ev.Pair] = struct{}{}
	s.touchedMu.Unlock()

	s.hub.BroadcastToChannel(ordersChannel(ev.Pair.Pay, ev.Pair.Buy), "event", msg)
	s.hub.BroadcastToChannel(accountChannel(ev.Order.Owner), "event", msg)
	if ev.Fill != nil && ev.Fill.Taker != ev.Order.Owner {
		s.hub.BroadcastToChannel(accountChannel(ev.Fill.Taker), "event", msg)
	}
}

// onBlock runs outside the app lock, so it may read books
func (s *Server) onBlock(blk dex.Block) {
	s.touchedMu.Lock()
	touched := s.touched
	s.touched = make(map[orderbook.Pair]struct{})
	s.touchedMu.Unlock()

	for p := range touched {
		for _, side := range [2][2]common.Address{{p.Pay, p.Buy}, {p.Buy, p.Pay}} {
			ch := bookChannel(side[0], side[1])
			if s.hub.HasSubscribers(ch) {
				s.hub.BroadcastToChannel(ch, "book", s.snapshot(side[0], side[1]))
			}
		}
	}

	if len(blk.Receipts) > 0 {
		s.hub.BroadcastToChannel(blocksChannel, "block", blockUpdateOf(blk))
	}
}

func (s *Server) snapshot(asset, quote common.Address) BookSnapshot {
	book := s.app.Book(asset, quote)
	return BookSnapshot{
		Asset:     asset.Hex(),
		Quote:     quote.Hex(),
		Asks:      toBookLevels(book.Asks),
		Bids:      toBookLevels(book.Bids),
		AskDepth:  book.AskDepth,
		BidDepth:  book.BidDepth,
		Height:    s.app.Height(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// ==============================
// Helper Functions
// ==============================

func toBookLevels(levels []query.Level) []BookLevel {
	out := make([]BookLevel, len(levels))
	for i, l := range levels {
		out[i] = BookLevel{ID: l.ID, PayAmt: l.PayAmt.Dec(), BuyAmt: l.BuyAmt.Dec(), Owner: l.Owner.Hex()}
	}
	return out
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := mux.Vars(r)[name]
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid address", v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func pathPair(w http.ResponseWriter, r *http.Request, a, b string) (common.Address, common.Address, bool) {
	x, ok := pathAddress(w, r, a)
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	y, ok := pathAddress(w, r, b)
	return x, y, ok
}

func queryAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := r.URL.Query().Get(name)
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid address", name+"="+v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func queryPair(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, bool) {
	pay, ok := queryAddress(w, r, "pay_gem")
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	buy, ok := queryAddress(w, r, "buy_gem")
	return pay, buy, ok
}

func queryAmount(w http.ResponseWriter, r *http.Request, name string) (*uint256.Int, bool) {
	v, err := uint256.FromDecimal(r.URL.Query().Get(name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", name+": "+err.Error())
		return nil, false
	}
	return v, true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, engine.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInsufficientLiquidity), errors.Is(err, engine.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrPersist):
		status = http.StatusInternalServerError
	}
	respondError(w, status, http.StatusText(status), err.Error())
}
