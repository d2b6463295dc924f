package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/keeper"
	"MemePerp/internal/observability"
	"MemePerp/internal/oracle"
	"MemePerp/internal/query"
	"MemePerp/internal/state"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	headerAuthority   = "X-Authority"
	headerIdempotency = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// HistoryReader serves the persisted projections
type HistoryReader interface {
	FundingHistory(ctx context.Context, market string, limit int, beforeEpoch int64) (*query.FundingHistoryResponse, error)
	Liquidations(ctx context.Context, market, owner string, limit int) (*query.LiquidationHistoryResponse, error)
	Balances(ctx context.Context, market string) ([]query.BalanceEntry, error)
	JournalHistory(ctx context.Context, account string, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context, market string) (*query.IntegrityReport, error)
}

// HTTPOptions wires the API to the running service. History, Rebuild and Stream are
// optional; their routes answer 503 when unset.
type HTTPOptions struct {
	Exchange   *core.Exchange
	Dispatcher *ingestion.Dispatcher
	Parser     ingestion.Parser
	Quotes     oracle.Source
	Keeper     *keeper.Keeper
	Insurance  *state.InsuranceFund
	History    HistoryReader
	Rebuild    func(ctx context.Context) error
	Admin      string // Authority allowed to rebuild projections
	Stream     http.Handler
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	Clock      func() time.Time
}

// HTTPServer is the JSON API. Routes live on a grpc-gateway runtime mux; health and the
// websocket stream are mounted beside it on a plain mux.
type HTTPServer struct {
	opts       HTTPOptions
	now        func() time.Time
	handler    http.Handler
	httpServer *http.Server
}

func NewHTTPServer(addr string, opts HTTPOptions) (*HTTPServer, error) {
	s := &HTTPServer{opts: opts, now: opts.Clock}
	if s.now == nil {
		s.now = time.Now
	}

	gw := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/markets", "markets.list", s.listMarkets},
		{http.MethodPost, "/v1/markets", "markets.create", s.createMarket},
		{http.MethodGet, "/v1/markets/{market}", "markets.get", s.getMarket},
		{http.MethodPut, "/v1/markets/{market}/config", "markets.update", s.updateMarket},
		{http.MethodPost, "/v1/markets/{market}/pause", "markets.pause", s.pauseMarket(true)},
		{http.MethodPost, "/v1/markets/{market}/resume", "markets.resume", s.pauseMarket(false)},
		{http.MethodPost, "/v1/markets/{market}/prices", "prices.push", s.pushPrice},
		{http.MethodPost, "/v1/markets/{market}/orders", "orders.place", s.placeOrder},
		{http.MethodGet, "/v1/markets/{market}/positions", "positions.list", s.listPositions},
		{http.MethodGet, "/v1/markets/{market}/positions/{id}", "positions.get", s.getPosition},
		{http.MethodPost, "/v1/markets/{market}/positions/{id}/close", "positions.close", s.closePosition},
		{http.MethodPost, "/v1/markets/{market}/positions/{id}/evaluate", "positions.evaluate", s.evaluatePosition},
		{http.MethodPost, "/v1/markets/{market}/funding", "funding.accrue", s.accrueFunding},
		{http.MethodGet, "/v1/markets/{market}/funding-history", "funding.history", s.fundingHistory},
		{http.MethodGet, "/v1/markets/{market}/liquidations", "liquidations.history", s.liquidations},
		{http.MethodGet, "/v1/markets/{market}/balances", "balances", s.balances},
		{http.MethodGet, "/v1/markets/{market}/integrity", "integrity", s.integrity},
		{http.MethodGet, "/v1/journal", "journal", s.journal},
		{http.MethodGet, "/v1/traders/{owner}/balance", "traders.balance", s.traderBalance},
		{http.MethodGet, "/v1/insurance", "insurance", s.insurance},
		{http.MethodPost, "/v1/admin/projections/rebuild", "projections.rebuild", s.rebuildProjections},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, s.instrument(rt.name, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if opts.Health != nil {
		mux.HandleFunc("/healthz", opts.Health.LivenessHandler)
		mux.HandleFunc("/readyz", opts.Health.ReadinessHandler)
	}
	if opts.Stream != nil {
		// Mounted outside the instrumented gateway so the upgrade can hijack the conn
		mux.Handle("/v1/stream", opts.Stream)
	}
	mux.Handle("/", gw)

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler for tests
func (s *HTTPServer) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.opts.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.opts.Logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Plumbing
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		if m := s.opts.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		if rec.status >= http.StatusInternalServerError {
			s.opts.Logger.Error().Str("route", route).Int("status", rec.status).Msg("request failed")
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var ce *core.Error
	if errors.As(err, &ce) {
		body.Kind = ce.Kind.String()
	}
	writeJSON(w, statusFor(err), body)
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: core.KindInvalidRequest.String()})
}

// statusFor maps rejections onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrPriceJump):
		return http.StatusUnprocessableEntity
	}

	switch core.KindOf(err) {
	case core.KindInvalidRequest, core.KindOrderTooSmall, core.KindInvalidTick,
		core.KindLeverageExceeded, core.KindInvalidConfig:
		return http.StatusBadRequest
	case core.KindPositionSizeExceeded, core.KindInsufficientLiquidity,
		core.KindInsufficientCollateral, core.KindOverflow:
		return http.StatusUnprocessableEntity
	case core.KindMarketExists, core.KindMarketPaused:
		return http.StatusConflict
	case core.KindStalePrice:
		return http.StatusServiceUnavailable
	case core.KindMarketNotFound, core.KindPositionNotFound:
		return http.StatusNotFound
	case core.KindUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	return data, nil
}

// stamp fills authority and command id from headers. The header authority wins
// over the body.
func stamp(cmd *ingestion.Command, r *http.Request) {
	if a := r.Header.Get(headerAuthority); a != "" {
		cmd.Authority = a
	}
	if cmd.CommandID == "" {
		cmd.CommandID = r.Header.Get(headerIdempotency)
	}
	if cmd.Order != nil {
		cmd.Order.CommandID = cmd.CommandID
	}
	if cmd.Close != nil {
		cmd.Close.CommandID = cmd.CommandID
	}
}

func (s *HTTPServer) dispatch(w http.ResponseWriter, r *http.Request, cmd *ingestion.Command, okStatus int) {
	result, err := s.opts.Dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, okStatus, result)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func parsePositionID(params map[string]string) (state.PositionID, error) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid position id %q", params["id"])
	}
	return state.PositionID(id), nil
}

// markFor picks the valuation price: an explicit ?mark, else the current quote,
// else zero which values positions at entry.
func (s *HTTPServer) markFor(r *http.Request, market string) (int64, error) {
	mark, err := queryInt(r, "mark", 0)
	if err != nil || mark > 0 {
		return mark, err
	}
	if s.opts.Quotes == nil {
		return 0, nil
	}
	q, err := s.opts.Quotes.GetPrice(r.Context(), market)
	if err != nil {
		return 0, nil
	}
	return q.Price, nil
}

// ============================================================================
// Markets
// ============================================================================

func (s *HTTPServer) listMarkets(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.opts.Exchange.Summaries())
}

func (s *HTTPServer) getMarket(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	m, err := s.opts.Exchange.Market(params["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Summary())
}

func (s *HTTPServer) createMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	data, err := readBody(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	cmd, err := s.opts.Parser.ParseKind(ingestion.KindCreateMarket, "", data)
	if err != nil {
		badRequest(w, err)
		return
	}
	stamp(cmd, r)
	s.dispatch(w, r, cmd, http.StatusCreated)
}

func (s *HTTPServer) updateMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	data, err := readBody(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	cmd, err := s.opts.Parser.ParseKind(ingestion.KindUpdateMarket, params["market"], data)
	if err != nil {
		badRequest(w, err)
		return
	}
	market := params["market"]
	if cmd.Config.Name == "" {
		cmd.Config.Name = market
	}
	if cmd.Config.Name != market {
		badRequest(w, fmt.Errorf("config names market %q, path names %q", cmd.Config.Name, market))
		return
	}
	cmd.Market = market
	stamp(cmd, r)
	s.dispatch(w, r, cmd, http.StatusOK)
}

type adminBody struct {
	CommandID string `json:"command_id"`
	Authority string `json:"authority"`
}

func (s *HTTPServer) pauseMarket(paused bool) runtime.HandlerFunc {
	kind := ingestion.KindResume
	if paused {
		kind = ingestion.KindPause
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		data, err := readBody(r)
		if err != nil {
			badRequest(w, err)
			return
		}
		var body adminBody
		if err := sonic.ConfigStd.Unmarshal(data, &body); err != nil {
			badRequest(w, fmt.Errorf("parse %s: %w", kind, err))
			return
		}
		cmd := &ingestion.Command{
			Kind:      kind,
			CommandID: body.CommandID,
			Market:    params["market"],
			Authority: body.Authority,
		}
		stamp(cmd, r)
		s.dispatch(w, r, cmd, http.StatusOK)
	}
}

type priceResponse struct {
	Market  string `json:"market"`
	Outcome string `json:"outcome"`
}

func (s *HTTPServer) pushPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	data, err := readBody(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	cmd, err := s.opts.Parser.ParseKind(ingestion.KindPrice, params["market"], data)
	if err != nil {
		badRequest(w, err)
		return
	}
	result, err := s.opts.Dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := priceResponse{Market: cmd.Market}
	if outcome, ok := result.(oracle.UpdateOutcome); ok {
		resp.Outcome = outcome.String()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ============================================================================
// Orders & positions
// ============================================================================

func (s *HTTPServer) placeOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	data, err := readBody(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	cmd, err := s.opts.Parser.ParseKind(ingestion.KindPlaceOrder, params["market"], data)
	if err != nil {
		badRequest(w, err)
		return
	}
	stamp(cmd, r)
	s.dispatch(w, r, cmd, http.StatusCreated)
}

func (s *HTTPServer) listPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	m, err := s.opts.Exchange.Market(params["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	mark, err := s.markFor(r, m.Name())
	if err != nil {
		badRequest(w, err)
		return
	}
	views, err := m.Positions(mark)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *HTTPServer) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parsePositionID(params)
	if err != nil {
		badRequest(w, err)
		return
	}
	m, err := s.opts.Exchange.Market(params["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	mark, err := s.markFor(r, m.Name())
	if err != nil {
		badRequest(w, err)
		return
	}
	view, err := m.Position(id, mark)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// lookupSide finds the side of an open position so callers may omit it
func (s *HTTPServer) lookupSide(market string, id state.PositionID) (event.Side, error) {
	m, err := s.opts.Exchange.Market(market)
	if err != nil {
		return 0, err
	}
	view, err := m.Position(id, 0)
	if err != nil {
		return 0, err
	}
	return view.Side, nil
}

type closeBody struct {
	CommandID string `json:"command_id"`
	Owner     string `json:"owner"`
	Side      string `json:"side"` // Optional, looked up when empty
	Size      int64  `json:"size"`
}

func (s *HTTPServer) closePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parsePositionID(params)
	if err != nil {
		badRequest(w, err)
		return
	}
	data, err := readBody(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var body closeBody
	if err := sonic.ConfigStd.Unmarshal(data, &body); err != nil {
		badRequest(w, fmt.Errorf("parse close: %w", err))
		return
	}
	owner, err := uuid.Parse(body.Owner)
	if err != nil {
		badRequest(w, fmt.Errorf("parse owner: %w", err))
		return
	}

	market := params["market"]
	var side event.Side
	if body.Side != "" {
		side, err = event.ParseSide(body.Side)
		if err != nil {
			badRequest(w, err)
			return
		}
	} else if side, err = s.lookupSide(market, id); err != nil {
		writeError(w, err)
		return
	}

	cmd := &ingestion.Command{
		Kind:      ingestion.KindClose,
		CommandID: body.CommandID,
		Market:    market,
		Close: &core.CloseRequest{
			ID:    id,
			Side:  side,
			Owner: owner,
			Size:  body.Size,
		},
	}
	stamp(cmd, r)
	s.dispatch(w, r, cmd, http.StatusOK)
}

func (s *HTTPServer) evaluatePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parsePositionID(params)
	if err != nil {
		badRequest(w, err)
		return
	}
	market := params["market"]
	side, err := s.lookupSide(market, id)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.opts.Keeper.EvaluatePosition(r.Context(), market, id, side)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) accrueFunding(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	res, err := s.opts.Exchange.AccrueFunding(params["market"], s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// Accounts
// ============================================================================

type traderBalanceResponse struct {
	Owner   uuid.UUID `json:"owner"`
	Balance int64     `json:"balance"`
}

func (s *HTTPServer) traderBalance(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		badRequest(w, fmt.Errorf("parse owner: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, traderBalanceResponse{Owner: owner, Balance: s.opts.Exchange.TraderBalance(owner)})
}

func (s *HTTPServer) insurance(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	if s.opts.Insurance == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "insurance fund not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Insurance.Stats())
}

// ============================================================================
// Persisted history
// ============================================================================

var errNoHistory = errors.New("history store not configured")

func (s *HTTPServer) history(w http.ResponseWriter) bool {
	if s.opts.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoHistory.Error()})
		return false
	}
	return true
}

func (s *HTTPServer) fundingHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if !s.history(w) {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	before, err := queryInt(r, "before_epoch", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	resp, err := s.opts.History.FundingHistory(r.Context(), params["market"], int(limit), before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) liquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if !s.history(w) {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	resp, err := s.opts.History.Liquidations(r.Context(), params["market"], r.URL.Query().Get("owner"), int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if !s.history(w) {
		return
	}
	resp, err := s.opts.History.Balances(r.Context(), params["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) journal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if !s.history(w) {
		return
	}
	account := r.URL.Query().Get("account")
	if account == "" {
		badRequest(w, errors.New("account is required"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	before, err := queryInt(r, "before_sequence", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	resp, err := s.opts.History.JournalHistory(r.Context(), account, int(limit), before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) integrity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if !s.history(w) {
		return
	}
	report, err := s.opts.History.VerifyIntegrity(r.Context(), params["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *HTTPServer) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.opts.Rebuild == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoHistory.Error()})
		return
	}
	if s.opts.Admin == "" || r.Header.Get(headerAuthority) != s.opts.Admin {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "authority required", Kind: core.KindUnauthorized.String()})
		return
	}
	if err := s.opts.Rebuild(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}
