package server_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/keeper"
	"MemePerp/internal/observability"
	"MemePerp/internal/oracle"
	"MemePerp/internal/query"
	"MemePerp/internal/server"
	"MemePerp/internal/state"
	"MemePerp/internal/testutil"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

const (
	admin  = "admin-1"
	trader = "660e8400-e29b-41d4-a716-446655440001"
	market = "PEPE-PERP"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler http.Handler
	ex      *core.Exchange
	fund    *state.InsuranceFund
	metrics *observability.Metrics
}

func newFixture(t *testing.T, history server.HistoryReader) *fixture {
	t.Helper()
	clock := func() time.Time { return t0 }
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	ex := core.NewExchange(core.Options{AdminAuthority: admin, Logger: zerolog.Nop()})
	feed := oracle.NewFeed(zerolog.Nop())
	fund := state.NewInsuranceFund(10_000)
	d := ingestion.NewDispatcher(ex, feed, nil, ingestion.DispatcherOptions{
		Dedup:  ingestion.NewDeduplicator(64, nil, nil, zerolog.Nop()),
		Logger: zerolog.Nop(),
		Clock:  clock,
	})
	k := keeper.New(ex, feed, fund, keeper.Options{Logger: zerolog.Nop(), Clock: clock})

	srv, err := server.NewHTTPServer(":0", server.HTTPOptions{
		Exchange:   ex,
		Dispatcher: d,
		Parser:     ingestion.Parser{PriceDecimals: 0},
		Quotes:     feed,
		Keeper:     k,
		Insurance:  fund,
		History:    history,
		Admin:      admin,
		Health:     observability.NewHealthChecker(),
		Metrics:    metrics,
		Logger:     zerolog.Nop(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewHTTPServer: %v", err)
	}
	return &fixture{handler: srv.Handler(), ex: ex, fund: fund, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status: got %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

// seed creates the market and publishes a fresh price of 200
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/markets", map[string]any{
		"command_id": "create-1",
		"config":     testutil.MarketConfig(market),
	}, map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusCreated)

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/prices", map[string]any{
		"price":           "200",
		"sequence":        1,
		"publish_time_us": t0.UnixMicro(),
	}, nil)
	expectStatus(t, rec, http.StatusAccepted)
}

func (f *fixture) openLong(t *testing.T, commandID string) core.OrderResult {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/markets/"+market+"/orders", map[string]any{
		"owner":    trader,
		"side":     "long",
		"size":     100,
		"leverage": 2,
	}, map[string]string{"Idempotency-Key": commandID})
	expectStatus(t, rec, http.StatusCreated)

	var res core.OrderResult
	decode(t, rec, &res)
	return res
}

// ============================================================================
// Markets
// ============================================================================

func TestHTTP_CreateMarket(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("wrong authority", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/markets", map[string]any{
			"config": testutil.MarketConfig(market),
		}, map[string]string{"X-Authority": "mallory"})
		expectStatus(t, rec, http.StatusForbidden)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/markets", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		expectStatus(t, rec, http.StatusBadRequest)
	})

	f.seed(t)

	t.Run("exists", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/markets", map[string]any{
			"config": testutil.MarketConfig(market),
		}, map[string]string{"X-Authority": admin})
		expectStatus(t, rec, http.StatusConflict)
	})

	rec := f.do(t, http.MethodGet, "/v1/markets/"+market, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var summary core.MarketSummary
	decode(t, rec, &summary)
	if summary.Name != market || summary.Authority != admin {
		t.Errorf("summary: got %s/%s", summary.Name, summary.Authority)
	}

	rec = f.do(t, http.MethodGet, "/v1/markets", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var list []core.MarketSummary
	decode(t, rec, &list)
	if len(list) != 1 {
		t.Errorf("markets: got %d, want 1", len(list))
	}

	rec = f.do(t, http.MethodGet, "/v1/markets/NOPE-PERP", nil, nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestHTTP_UpdateAndPause(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	cfg := testutil.MarketConfig(market)
	cfg.MaxLeverage = 10
	rec := f.do(t, http.MethodPut, "/v1/markets/"+market+"/config", map[string]any{"config": cfg},
		map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusOK)
	var summary core.MarketSummary
	decode(t, rec, &summary)
	if summary.Config.MaxLeverage != 10 {
		t.Errorf("max leverage: got %d, want 10", summary.Config.MaxLeverage)
	}

	other := testutil.MarketConfig("WIF-PERP")
	rec = f.do(t, http.MethodPut, "/v1/markets/"+market+"/config", map[string]any{"config": other},
		map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/pause", nil, map[string]string{"X-Authority": "mallory"})
	expectStatus(t, rec, http.StatusForbidden)

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/pause", nil, map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusOK)
	decode(t, rec, &summary)
	if !summary.Paused {
		t.Error("market should be paused")
	}

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/orders", map[string]any{
		"owner": trader, "side": "long", "size": 100, "leverage": 2,
	}, nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/resume", nil, map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusOK)
	f.openLong(t, "after-resume")
}

// ============================================================================
// Orders & positions
// ============================================================================

func TestHTTP_OrderLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	res := f.openLong(t, "ord-1")
	if res.EntryPrice != 200 {
		t.Errorf("entry price: got %d, want 200", res.EntryPrice)
	}
	if res.TraderDebit != 10_000 || res.Fee != 20 || res.Collateral != 9980 {
		t.Errorf("collateral: got debit %d fee %d collateral %d, want 10000/20/9980",
			res.TraderDebit, res.Fee, res.Collateral)
	}

	// Same idempotency key
	rec := f.do(t, http.MethodPost, "/v1/markets/"+market+"/orders", map[string]any{
		"owner": trader, "side": "long", "size": 100, "leverage": 2,
	}, map[string]string{"Idempotency-Key": "ord-1"})
	expectStatus(t, rec, http.StatusConflict)

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/orders", map[string]any{
		"owner": trader, "side": "long", "size": 100, "leverage": 50,
	}, nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodGet, "/v1/markets/"+market+"/positions", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var views []core.PositionView
	decode(t, rec, &views)
	if len(views) != 1 || views[0].MarkPrice != 200 {
		t.Fatalf("positions: got %+v", views)
	}

	// Explicit mark overrides the quote
	path := "/v1/markets/" + market + "/positions/" + strconv.FormatUint(uint64(res.PositionID), 10)
	rec = f.do(t, http.MethodGet, path+"?mark=210", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var view core.PositionView
	decode(t, rec, &view)
	if view.UnrealizedPnL != 1000 {
		t.Errorf("upnl: got %d, want 1000", view.UnrealizedPnL)
	}

	rec = f.do(t, http.MethodPost, path+"/evaluate", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var liq core.LiquidationResult
	decode(t, rec, &liq)
	if liq.Liquidated {
		t.Error("healthy position liquidated")
	}

	rec = f.do(t, http.MethodPost, path+"/close", map[string]any{"owner": "770e8400-e29b-41d4-a716-446655440002"}, nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = f.do(t, http.MethodPost, path+"/close", map[string]any{"owner": trader, "command_id": "close-1"}, nil)
	expectStatus(t, rec, http.StatusOK)
	var closed core.CloseResult
	decode(t, rec, &closed)
	if closed.Payout != 9960 || closed.RemainingSize != 0 {
		t.Errorf("close: got payout %d remaining %d, want 9960/0", closed.Payout, closed.RemainingSize)
	}

	rec = f.do(t, http.MethodGet, path, nil, nil)
	expectStatus(t, rec, http.StatusNotFound)

	rec = f.do(t, http.MethodGet, "/v1/traders/"+trader+"/balance", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	decode(t, rec, &bal)
	if bal.Balance != -40 {
		t.Errorf("trader balance: got %d, want -40", bal.Balance)
	}

	got := promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("orders.place", "201"))
	if got != 1 {
		t.Errorf("orders.place 201 count: got %v, want 1", got)
	}
}

func TestHTTP_NoPrice(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/markets", map[string]any{
		"config": testutil.MarketConfig(market),
	}, map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusCreated)

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/orders", map[string]any{
		"owner": trader, "side": "long", "size": 100, "leverage": 2,
	}, nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)

	var body struct {
		Kind string `json:"kind"`
	}
	decode(t, rec, &body)
	if body.Kind != "StalePrice" {
		t.Errorf("kind: got %q, want StalePrice", body.Kind)
	}

	rec = f.do(t, http.MethodPost, "/v1/markets/"+market+"/prices", map[string]any{"price": "-1"}, nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestHTTP_Funding(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	f.openLong(t, "ord-1")

	// Interval not elapsed
	rec := f.do(t, http.MethodPost, "/v1/markets/"+market+"/funding", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var res core.FundingResult
	decode(t, rec, &res)
	if res.Applied {
		t.Error("funding applied before the interval elapsed")
	}
}

// ============================================================================
// History & admin
// ============================================================================

type stubHistory struct {
	integrity *query.IntegrityReport
}

func (s *stubHistory) FundingHistory(_ context.Context, market string, _ int, _ int64) (*query.FundingHistoryResponse, error) {
	return &query.FundingHistoryResponse{Market: market, AsOfSequence: 7}, nil
}

func (s *stubHistory) Liquidations(_ context.Context, market, _ string, _ int) (*query.LiquidationHistoryResponse, error) {
	return nil, errors.New("connection refused")
}

func (s *stubHistory) Balances(_ context.Context, _ string) ([]query.BalanceEntry, error) {
	return []query.BalanceEntry{{AccountPath: "market:PEPE-PERP:fees", Balance: 20}}, nil
}

func (s *stubHistory) JournalHistory(_ context.Context, _ string, _ int, _ int64) ([]query.JournalHistoryEntry, error) {
	return nil, nil
}

func (s *stubHistory) VerifyIntegrity(_ context.Context, _ string) (*query.IntegrityReport, error) {
	return s.integrity, nil
}

func TestHTTP_History(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.do(t, http.MethodGet, "/v1/markets/"+market+"/funding-history", nil, nil)
		expectStatus(t, rec, http.StatusServiceUnavailable)
	})

	hist := &stubHistory{integrity: &query.IntegrityReport{Market: market, IsHealthy: false, HashChainBreaks: []int64{4}}}
	f := newFixture(t, hist)

	rec := f.do(t, http.MethodGet, "/v1/markets/"+market+"/funding-history?limit=10", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var fh query.FundingHistoryResponse
	decode(t, rec, &fh)
	if fh.AsOfSequence != 7 {
		t.Errorf("as of: got %d, want 7", fh.AsOfSequence)
	}

	rec = f.do(t, http.MethodGet, "/v1/markets/"+market+"/funding-history?limit=abc", nil, nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodGet, "/v1/markets/"+market+"/liquidations", nil, nil)
	expectStatus(t, rec, http.StatusInternalServerError)

	rec = f.do(t, http.MethodGet, "/v1/markets/"+market+"/integrity", nil, nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = f.do(t, http.MethodGet, "/v1/journal", nil, nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestHTTP_Admin(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/insurance", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var stats state.InsuranceFundStats
	decode(t, rec, &stats)
	if stats.Balance != 10_000 {
		t.Errorf("insurance balance: got %d, want 10000", stats.Balance)
	}

	rec = f.do(t, http.MethodPost, "/v1/admin/projections/rebuild", nil, map[string]string{"X-Authority": admin})
	expectStatus(t, rec, http.StatusServiceUnavailable)

	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	expectStatus(t, rec, http.StatusOK)
}
