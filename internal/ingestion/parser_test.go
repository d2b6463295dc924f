package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/oracle"
	"MemePerp/internal/persistence"
	"MemePerp/internal/testutil"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const owner = "660e8400-e29b-41d4-a716-446655440001"

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Subject routing
// ============================================================================

func TestParseSubject(t *testing.T) {
	tests := []struct {
		subject    string
		wantKind   ingestion.CommandKind
		wantMarket string
		wantErr    bool
	}{
		{"perp.orders.place.PEPE-PERP", ingestion.KindPlaceOrder, "PEPE-PERP", false},
		{"perp.orders.close.WIF-PERP", ingestion.KindClose, "WIF-PERP", false},
		{"perp.prices.BONK-PERP", ingestion.KindPrice, "BONK-PERP", false},
		{"perp.admin.markets.create", ingestion.KindCreateMarket, "", false},
		{"perp.admin.markets.update", ingestion.KindUpdateMarket, "", false},
		{"perp.admin.markets.pause", ingestion.KindPause, "", false},
		{"perp.admin.markets.resume", ingestion.KindResume, "", false},
		{"perp.admin.markets.delete", "", "", true},
		{"perp.orders.place", "", "", true},
		{"perp.trades.BTC", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			kind, market, err := ingestion.ParseSubject(tt.subject)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			if kind != tt.wantKind || market != tt.wantMarket {
				t.Errorf("got (%q, %q), want (%q, %q)", kind, market, tt.wantKind, tt.wantMarket)
			}
		})
	}
}

// ============================================================================
// Payload parsing
// ============================================================================

func TestParse_PlaceOrder(t *testing.T) {
	p := ingestion.Parser{PriceDecimals: 6}
	data := mustJSON(t, map[string]any{
		"command_id": "ord-1",
		"owner":      owner,
		"side":       "sell",
		"size":       1000,
		"leverage":   5,
	})

	cmd, err := p.Parse("perp.orders.place.PEPE-PERP", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != ingestion.KindPlaceOrder || cmd.Market != "PEPE-PERP" || cmd.CommandID != "ord-1" {
		t.Errorf("unexpected command %+v", cmd)
	}
	o := cmd.Order
	if o == nil {
		t.Fatal("order payload missing")
	}
	if o.Side != event.SideShort {
		t.Errorf("side: got %v, want short", o.Side)
	}
	if o.Size != 1000 || o.Leverage != 5 {
		t.Errorf("size/leverage: got %d/%d, want 1000/5", o.Size, o.Leverage)
	}
	if o.Owner.String() != owner {
		t.Errorf("owner: got %s, want %s", o.Owner, owner)
	}
}

func TestParse_Rejections(t *testing.T) {
	p := ingestion.Parser{PriceDecimals: 6}
	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"bad json", "perp.orders.place.PEPE-PERP", `{"size":`},
		{"bad owner", "perp.orders.place.PEPE-PERP", `{"owner":"nope","side":"long","size":10,"leverage":1}`},
		{"bad side", "perp.orders.place.PEPE-PERP", fmt.Sprintf(`{"owner":%q,"side":"up","size":10,"leverage":1}`, owner)},
		{"close without id", "perp.orders.close.PEPE-PERP", fmt.Sprintf(`{"owner":%q,"side":"long"}`, owner)},
		{"bad price", "perp.prices.PEPE-PERP", `{"price":"abc"}`},
		{"pause without market", "perp.admin.markets.pause", `{"authority":"admin"}`},
		{"sub-bps sensitivity", "perp.admin.markets.create", `{"authority":"admin","market":"X","funding_sensitivity":"0.00001"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Parse(tt.subject, []byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_Close(t *testing.T) {
	p := ingestion.Parser{}
	data := mustJSON(t, map[string]any{
		"command_id":  "close-1",
		"owner":       owner,
		"position_id": 7,
		"side":        "long",
		"size":        400,
	})
	cmd, err := p.Parse("perp.orders.close.PEPE-PERP", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Close == nil || cmd.Close.ID != 7 || cmd.Close.Size != 400 || cmd.Close.Side != event.SideLong {
		t.Errorf("unexpected close %+v", cmd.Close)
	}
}

func TestParse_Price(t *testing.T) {
	p := ingestion.Parser{PriceDecimals: 8}

	cmd, err := p.Parse("perp.prices.PEPE-PERP", []byte(`{"price":"0.00001234","confidence":"0.00000001","sequence":9,"publish_time_us":1700000000000000}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	u := cmd.Price
	if u.Price != 1234 {
		t.Errorf("price: got %d, want 1234", u.Price)
	}
	if u.Confidence != 1 {
		t.Errorf("confidence: got %d, want 1", u.Confidence)
	}
	if u.PriceSequence != 9 || u.PriceTimestamp != 1700000000000000 || u.Market != "PEPE-PERP" {
		t.Errorf("unexpected update %+v", u)
	}

	cmd, err = p.Parse("perp.prices.PEPE-PERP", []byte(`{"mantissa":1234,"expo":-8,"sequence":10}`))
	if err != nil {
		t.Fatalf("Parse mantissa: %v", err)
	}
	if cmd.Price.Price != 1234 {
		t.Errorf("mantissa price: got %d, want 1234", cmd.Price.Price)
	}
	if cmd.Price.PriceTimestamp == 0 {
		t.Error("missing publish time should default to now")
	}
}

func TestParse_CreateMarket(t *testing.T) {
	p := ingestion.Parser{}
	data := mustJSON(t, map[string]any{
		"command_id":          "create-1",
		"authority":           "admin-1",
		"market":              "PEPE-PERP",
		"funding_sensitivity": "0.5",
		"config": map[string]any{
			"min_base_order_size":       10,
			"tick_size":                 1,
			"max_position_size":         1_000_000,
			"max_leverage":              20,
			"liquidation_threshold_bps": 9500,
			"maintenance_margin_bps":    500,
			"funding_interval_seconds":  3600,
		},
	})
	cmd, err := p.Parse("perp.admin.markets.create", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Market != "PEPE-PERP" || cmd.Config.Name != "PEPE-PERP" {
		t.Errorf("market name: got %q/%q", cmd.Market, cmd.Config.Name)
	}
	if cmd.Config.FundingSensitivityBps != 5000 {
		t.Errorf("sensitivity: got %d, want 5000", cmd.Config.FundingSensitivityBps)
	}
	if cmd.Config.MaxLeverage != 20 || cmd.Config.FundingIntervalSeconds != 3600 {
		t.Errorf("unexpected config %+v", cmd.Config)
	}
}

// ============================================================================
// Dispatch
// ============================================================================

type memRecorder struct {
	outcomes map[string]string
}

func (r *memRecorder) Record(_ context.Context, kind, commandID, _, status, _ string) error {
	r.outcomes[kind+":"+commandID] = status
	return nil
}

func (r *memRecorder) IsDuplicate(kind, commandID string) (bool, error) {
	_, ok := r.outcomes[kind+":"+commandID]
	return ok, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *core.Exchange, *memRecorder) {
	t.Helper()
	ex := core.NewExchange(core.Options{AdminAuthority: "admin-1", Logger: zerolog.Nop()})
	feed := oracle.NewFeed(zerolog.Nop())
	rec := &memRecorder{outcomes: make(map[string]string)}
	d := ingestion.NewDispatcher(ex, feed, nil, ingestion.DispatcherOptions{
		Dedup:    ingestion.NewDeduplicator(16, rec, nil, zerolog.Nop()),
		Recorder: rec,
		Logger:   zerolog.Nop(),
		Clock:    func() time.Time { return t0 },
	})
	return d, ex, rec
}

func TestDispatcher_OrderFlow(t *testing.T) {
	d, ex, rec := newDispatcher(t)
	ctx := context.Background()

	cfg := testutil.MarketConfig("PEPE-PERP")
	cfg.MaxPriceChangeBps = 5000
	create := &ingestion.Command{Kind: ingestion.KindCreateMarket, CommandID: "c1", Authority: "admin-1", Market: cfg.Name, Config: &cfg}
	if _, err := d.Dispatch(ctx, create); err != nil {
		t.Fatalf("create: %v", err)
	}

	order := &ingestion.Command{
		Kind:      ingestion.KindPlaceOrder,
		CommandID: "o1",
		Market:    "PEPE-PERP",
		Order: &core.OrderRequest{
			CommandID: "o1",
			Owner:     uuid.MustParse(owner),
			Side:      event.SideLong,
			Size:      100,
			Leverage:  2,
		},
	}

	// No price yet: rejected, recorded, and final
	_, err := d.Dispatch(ctx, order)
	if !errors.Is(err, core.ErrStalePrice) {
		t.Fatalf("got %v, want StalePrice", err)
	}
	if !ingestion.IsRejection(err) {
		t.Error("stale price should be a rejection")
	}
	if rec.outcomes["order.place:o1"] != persistence.CommandRejected {
		t.Errorf("outcome: got %q, want rejected", rec.outcomes["order.place:o1"])
	}

	price := &ingestion.Command{Kind: ingestion.KindPrice, Market: "PEPE-PERP", Price: &event.PriceUpdate{
		Market: "PEPE-PERP", Price: 200, PriceSequence: 1, PriceTimestamp: t0.UnixMicro(),
	}}
	if _, err := d.Dispatch(ctx, price); err != nil {
		t.Fatalf("price: %v", err)
	}

	// A retried command id is a duplicate even though the first attempt was rejected
	if _, err := d.Dispatch(ctx, order); !errors.Is(err, ingestion.ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}

	order.CommandID, order.Order.CommandID = "o2", "o2"
	res, err := d.Dispatch(ctx, order)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if r := res.(*core.OrderResult); r.EntryPrice != 200 {
		t.Errorf("entry price: got %d, want 200", r.EntryPrice)
	}
	if rec.outcomes["order.place:o2"] != persistence.CommandApplied {
		t.Errorf("outcome: got %q, want applied", rec.outcomes["order.place:o2"])
	}
	if bal := ex.TraderBalance(uuid.MustParse(owner)); bal >= 0 {
		t.Errorf("wallet should be debited, got %d", bal)
	}

	// Jump guard configured from the market: +100% is held as stale
	jump := &ingestion.Command{Kind: ingestion.KindPrice, Market: "PEPE-PERP", Price: &event.PriceUpdate{
		Market: "PEPE-PERP", Price: 400, PriceSequence: 2, PriceTimestamp: t0.UnixMicro(),
	}}
	outcome, err := d.Dispatch(ctx, jump)
	if !errors.Is(err, oracle.ErrPriceJump) {
		t.Fatalf("got %v, want ErrPriceJump", err)
	}
	if outcome != oracle.UpdateHeld {
		t.Errorf("outcome: got %v, want held", outcome)
	}
}

func TestDispatcher_Admin(t *testing.T) {
	d, ex, _ := newDispatcher(t)
	ctx := context.Background()

	cfg := testutil.MarketConfig("WIF-PERP")
	if _, err := d.Dispatch(ctx, &ingestion.Command{Kind: ingestion.KindCreateMarket, CommandID: "c1", Authority: "intruder", Config: &cfg}); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("got %v, want Unauthorized", err)
	}
	if _, err := d.Dispatch(ctx, &ingestion.Command{Kind: ingestion.KindCreateMarket, CommandID: "c2", Authority: "admin-1", Config: &cfg}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := d.Dispatch(ctx, &ingestion.Command{Kind: ingestion.KindPause, CommandID: "p1", Authority: "admin-1", Market: "WIF-PERP"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !res.(core.MarketSummary).Paused {
		t.Error("market should be paused")
	}

	updated := cfg
	updated.OpenFeeBps = 25
	if _, err := d.Dispatch(ctx, &ingestion.Command{Kind: ingestion.KindUpdateMarket, CommandID: "u1", Authority: "admin-1", Market: "WIF-PERP", Config: &updated}); err != nil {
		t.Fatalf("update: %v", err)
	}
	m, _ := ex.Market("WIF-PERP")
	if got := m.Config().OpenFeeBps; got != 25 {
		t.Errorf("open fee: got %d, want 25", got)
	}
}

// ============================================================================
// Dedup
// ============================================================================

func TestDeduplicator_EvictsOldest(t *testing.T) {
	d := ingestion.NewDeduplicator(2, nil, nil, zerolog.Nop())
	d.MarkProcessed(ingestion.KindPlaceOrder, "a")
	d.MarkProcessed(ingestion.KindPlaceOrder, "b")
	d.MarkProcessed(ingestion.KindPlaceOrder, "c")

	if d.Seen(ingestion.KindPlaceOrder, "a") {
		t.Error("a should have been evicted")
	}
	if !d.Seen(ingestion.KindPlaceOrder, "c") {
		t.Error("c should be cached")
	}
	if d.Seen(ingestion.KindClose, "c") {
		t.Error("kinds are separate namespaces")
	}
	if d.Seen(ingestion.KindPlaceOrder, "") {
		t.Error("empty ids are never duplicates")
	}
	if d.Size() != 2 {
		t.Errorf("size: got %d, want 2", d.Size())
	}

	w := ingestion.NewDeduplicator(2, nil, nil, zerolog.Nop())
	w.Warm([]string{"order.place:new", "order.place:mid", "order.place:old"})
	if !w.Seen(ingestion.KindPlaceOrder, "new") || w.Seen(ingestion.KindPlaceOrder, "old") {
		t.Error("warming should keep the newest keys")
	}
}

func TestPublishableEvent(t *testing.T) {
	persist := make(chan core.CoreOutput, 4)
	ex := core.NewExchange(core.Options{PersistChan: persist, Logger: zerolog.Nop()})
	if _, _, err := ex.CreateMarket("admin", testutil.MarketConfig("BONK-PERP"), "create-1", t0); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	evt := ingestion.NewPublishableEvent(<-persist)
	if got := evt.Subject(); got != "perp.core.events.MarketCreated.BONK-PERP" {
		t.Errorf("subject: got %s", got)
	}
	if got := evt.MsgID(); got != "BONK-PERP:1" {
		t.Errorf("msg id: got %s", got)
	}
	if len(evt.StateHash) != 64 || evt.CommandID != "create-1" {
		t.Errorf("unexpected event %+v", evt)
	}
}
