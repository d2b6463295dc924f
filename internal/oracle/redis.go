package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisHashClient is the subset of *redis.Client the source needs
type redisHashClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSource reads the latest quote of each market from a Redis hash
// (perp:price:{market}) written by an upstream price publisher or by Feed through Put.
//
// Hash fields: price (decimal string), conf (decimal string, optional), publish_time
// (unix micros), seq, status (fresh|stale, optional).
type RedisSource struct {
	rdb           redisHashClient
	priceDecimals int32
	ttl           time.Duration
}

// NewRedisSource creates a source. priceDecimals is the number of decimal places of
// the core's integer price units.
func NewRedisSource(rdb redisHashClient, priceDecimals int32, ttl time.Duration) *RedisSource {
	return &RedisSource{
		rdb:           rdb,
		priceDecimals: priceDecimals,
		ttl:           ttl,
	}
}

func priceKey(market string) string { return fmt.Sprintf("perp:price:%s", market) }

// GetPrice implements Source
func (s *RedisSource) GetPrice(ctx context.Context, market string) (Quote, error) {
	fields, err := s.rdb.HGetAll(ctx, priceKey(market)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Quote{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
		}
		return Quote{}, fmt.Errorf("redis get price %s: %w", market, err)
	}
	if len(fields) == 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}

	price, err := ParsePrice(fields["price"], s.priceDecimals)
	if err != nil {
		return Quote{}, err
	}
	if price <= 0 {
		return Quote{}, fmt.Errorf("%w: %s cached %d", ErrInvalidPrice, market, price)
	}

	var interval int64
	if c := fields["conf"]; c != "" {
		if interval, err = ParsePrice(c, s.priceDecimals); err != nil {
			return Quote{}, err
		}
	}

	publishMicros, err := strconv.ParseInt(fields["publish_time"], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("parse publish_time for %s: %w", market, err)
	}

	var seq int64
	if v := fields["seq"]; v != "" {
		if seq, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Quote{}, fmt.Errorf("parse seq for %s: %w", market, err)
		}
	}

	confidence := ConfidenceFresh
	if fields["status"] == "stale" {
		confidence = ConfidenceStale
	}

	return Quote{
		Market:     market,
		Price:      price,
		AsOf:       time.UnixMicro(publishMicros).UTC(),
		Confidence: confidence,
		Interval:   interval,
		Sequence:   seq,
	}, nil
}

// Put writes a quote so that other instances reading through RedisSource see it
func (s *RedisSource) Put(ctx context.Context, q Quote) error {
	key := priceKey(q.Market)
	err := s.rdb.HSet(ctx, key,
		"price", FormatPrice(q.Price, s.priceDecimals),
		"conf", FormatPrice(q.Interval, s.priceDecimals),
		"publish_time", strconv.FormatInt(q.AsOf.UnixMicro(), 10),
		"seq", strconv.FormatInt(q.Sequence, 10),
		"status", q.Confidence.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis put price %s: %w", q.Market, err)
	}
	if s.ttl > 0 {
		if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("redis expire price %s: %w", q.Market, err)
		}
	}
	return nil
}
