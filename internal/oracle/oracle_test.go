package oracle_test

import (
	"MemePerp/internal/event"
	"MemePerp/internal/oracle"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func update(market string, price, seq int64, at time.Time) *event.PriceUpdate {
	return &event.PriceUpdate{
		Market:         market,
		Price:          price,
		PriceSequence:  seq,
		PriceTimestamp: at.UnixMicro(),
	}
}

// ============================================================================
// Test: Quote.Validate
// ============================================================================

func TestQuote_Validate(t *testing.T) {
	fresh := oracle.Quote{Market: "M", Price: 100, AsOf: t0, Confidence: oracle.ConfidenceFresh}

	if err := fresh.Validate(t0.Add(60*time.Second), 60*time.Second); err != nil {
		t.Errorf("quote exactly at max age should pass: %v", err)
	}
	if err := fresh.Validate(t0.Add(61*time.Second), 60*time.Second); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("old quote: got %v, want ErrStalePrice", err)
	}

	stale := fresh
	stale.Confidence = oracle.ConfidenceStale
	if err := stale.Validate(t0, time.Minute); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("stale confidence: got %v, want ErrStalePrice", err)
	}
}

// ============================================================================
// Test: Normalize / ParsePrice
// ============================================================================

func TestNormalize(t *testing.T) {
	tests := []struct {
		mantissa int64
		expo     int32
		target   int32
		want     int64
	}{
		{123456789, -8, 6, 1234567}, // truncates
		{5, 2, 0, 500},
		{42, 0, 2, 4200},
		{-15, -1, 0, -1}, // toward zero
	}
	for _, tt := range tests {
		got, err := oracle.Normalize(tt.mantissa, tt.expo, tt.target)
		if err != nil {
			t.Fatalf("Normalize(%d, %d, %d): %v", tt.mantissa, tt.expo, tt.target, err)
		}
		if got != tt.want {
			t.Errorf("Normalize(%d, %d, %d): got %d, want %d", tt.mantissa, tt.expo, tt.target, got, tt.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	got, err := oracle.ParsePrice("0.00001234", 8)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1234 {
		t.Errorf("got %d, want 1234", got)
	}
	if _, err := oracle.ParsePrice("abc", 2); err == nil {
		t.Error("garbage should fail")
	}
	if _, err := oracle.ParsePrice("1e30", 2); err == nil {
		t.Error("overflow should fail")
	}
	if s := oracle.FormatPrice(1234, 8); s != "0.00001234" {
		t.Errorf("FormatPrice: got %q", s)
	}
}

func TestChangeBps(t *testing.T) {
	if got := oracle.ChangeBps(100, 150); got != 5_000 {
		t.Errorf("got %d, want 5000", got)
	}
	if got := oracle.ChangeBps(100, 40); got != 6_000 {
		t.Errorf("got %d, want 6000", got)
	}
	if got := oracle.ChangeBps(3, 4); got != 3_333 {
		t.Errorf("got %d, want 3333", got)
	}
}

// ============================================================================
// Test: Feed
// ============================================================================

func TestFeed_UnknownMarket(t *testing.T) {
	f := oracle.NewFeed(zerolog.Nop())
	if _, err := f.GetPrice(context.Background(), "NOPE"); !errors.Is(err, oracle.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
}

func TestFeed_SequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	f := oracle.NewFeed(zerolog.Nop())

	if out, err := f.Update(ctx, update("M", 100, 5, t0)); err != nil || out != oracle.UpdateAccepted {
		t.Fatalf("first: %v %v", out, err)
	}
	// Older sequence is ignored
	if out, _ := f.Update(ctx, update("M", 200, 4, t0)); out != oracle.UpdateIgnored {
		t.Errorf("stale sequence: got %v, want ignored", out)
	}
	// Gap is tolerated
	if out, _ := f.Update(ctx, update("M", 101, 9, t0)); out != oracle.UpdateAccepted {
		t.Errorf("gap: got %v, want accepted", out)
	}

	q, _ := f.GetPrice(ctx, "M")
	if q.Price != 101 || q.Sequence != 9 {
		t.Errorf("latest: got price=%d seq=%d", q.Price, q.Sequence)
	}
	gaps, stale := f.Stats("M")
	if gaps != 1 || stale != 1 {
		t.Errorf("stats: got gaps=%d stale=%d, want 1/1", gaps, stale)
	}
}

func TestFeed_RejectsNonPositive(t *testing.T) {
	f := oracle.NewFeed(zerolog.Nop())
	if _, err := f.Update(context.Background(), update("M", 0, 1, t0)); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("got %v, want ErrInvalidPrice", err)
	}
}

func TestFeed_JumpGuard(t *testing.T) {
	ctx := context.Background()
	f := oracle.NewFeed(zerolog.Nop())
	f.SetMaxChangeBps("M", 5_000)

	f.Update(ctx, update("M", 100, 1, t0))

	// +60% jump is held as stale
	out, err := f.Update(ctx, update("M", 160, 2, t0))
	if out != oracle.UpdateHeld || !errors.Is(err, oracle.ErrPriceJump) {
		t.Fatalf("jump: got %v %v", out, err)
	}
	q, _ := f.GetPrice(ctx, "M")
	if q.Confidence != oracle.ConfidenceStale {
		t.Errorf("held quote confidence: got %v, want stale", q.Confidence)
	}

	// A second consistent reading confirms the new level
	if out, err := f.Update(ctx, update("M", 162, 3, t0)); out != oracle.UpdateAccepted || err != nil {
		t.Fatalf("confirm: got %v %v", out, err)
	}
	q, _ = f.GetPrice(ctx, "M")
	if q.Confidence != oracle.ConfidenceFresh || q.Price != 162 {
		t.Errorf("confirmed quote: got %+v", q)
	}
}

type recordingSink struct{ quotes []oracle.Quote }

func (r *recordingSink) Put(_ context.Context, q oracle.Quote) error {
	r.quotes = append(r.quotes, q)
	return nil
}

func TestFeed_SinkReceivesAcceptedOnly(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	f := oracle.NewFeed(zerolog.Nop()).WithSink(sink)
	f.SetMaxChangeBps("M", 1_000)

	f.Update(ctx, update("M", 100, 1, t0))
	f.Update(ctx, update("M", 300, 2, t0)) // held
	f.Update(ctx, update("M", 99, 1, t0))  // ignored

	if len(sink.quotes) != 1 {
		t.Errorf("sink writes: got %d, want 1", len(sink.quotes))
	}
}

// ============================================================================
// Test: RedisSource
// ============================================================================

type fakeRedis struct {
	hashes map[string]map[string]string
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	if f.err != nil {
		return redis.NewMapStringStringResult(nil, f.err)
	}
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) Expire(_ context.Context, _ string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func TestRedisSource_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	src := oracle.NewRedisSource(rdb, 8, time.Minute)

	in := oracle.Quote{Market: "PEPE-PERP", Price: 1234, AsOf: t0, Confidence: oracle.ConfidenceFresh, Interval: 3, Sequence: 77}
	if err := src.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rdb.hashes["perp:price:PEPE-PERP"]["price"] != "0.00001234" {
		t.Errorf("stored price: got %q", rdb.hashes["perp:price:PEPE-PERP"]["price"])
	}

	out, err := src.GetPrice(ctx, "PEPE-PERP")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !out.AsOf.Equal(in.AsOf) {
		t.Errorf("as_of: got %v, want %v", out.AsOf, in.AsOf)
	}
	out.AsOf = in.AsOf
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestRedisSource_Missing(t *testing.T) {
	src := oracle.NewRedisSource(newFakeRedis(), 2, 0)
	if _, err := src.GetPrice(context.Background(), "X"); !errors.Is(err, oracle.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
}

func TestRedisSource_ClientError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	src := oracle.NewRedisSource(rdb, 2, 0)
	if _, err := src.GetPrice(context.Background(), "X"); err == nil || errors.Is(err, oracle.ErrUnknownMarket) {
		t.Errorf("got %v, want transport error", err)
	}
}
