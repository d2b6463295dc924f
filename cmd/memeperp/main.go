package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MemePerp/internal/config"
	"MemePerp/internal/core"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/keeper"
	"MemePerp/internal/observability"
	"MemePerp/internal/oracle"
	"MemePerp/internal/persistence"
	"MemePerp/internal/projection"
	"MemePerp/internal/query"
	"MemePerp/internal/server"
	"MemePerp/internal/state"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	closer := observability.ConfigureLogging(observability.LogOptionsFromEnv())
	defer closer.Close()

	logger := observability.NewLogger("main")
	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("memeperp stopped with error")
		closer.Close()
		os.Exit(1)
	}
	logger.Info().Msg("memeperp shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load(os.Getenv("PERP_CONFIG_FILE"))
	if err != nil {
		return err
	}
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// Ingress stops on a signal; workers keep running until ingress is down so
	// everything the markets committed is flushed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	health.SetDependency("postgres", true)
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Channels ---
	// Persist blocks the markets (backpressure); stream, projection and publish drop
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	streamChan := make(chan core.CoreOutput, cfg.StreamChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	exchange := core.NewExchange(core.Options{
		PersistChan:    persistChan,
		StreamChan:     streamChan,
		AdminAuthority: cfg.AdminAuthority,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
	})

	// --- Recovery ---
	marketStore := persistence.NewMarketStore(db)
	snapshots := persistence.NewSnapshotManager(db)
	stats, err := persistence.Recover(ctx, exchange, marketStore, snapshots, observability.NewLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int("markets", stats.Markets).
		Int("from_snapshot", stats.Restored).
		Int("replayed", stats.Replayed).
		Msg("state recovered")

	// --- Prices ---
	feed := oracle.NewFeed(observability.NewLogger("oracle"))
	var quotes oracle.Source = feed
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			if cfg.PriceSource == config.PriceSourceRedis {
				return err
			}
			logger.Warn().Err(err).Msg("redis unavailable, price mirror disabled")
		} else {
			defer rdb.Close()
			redisSource := oracle.NewRedisSource(rdb, cfg.PriceDecimals, cfg.PriceTTL)
			feed.WithSink(redisSource)
			if cfg.PriceSource == config.PriceSourceRedis {
				quotes = redisSource
			}
			health.SetDependency("redis", true)
		}
	}

	// --- Durable pipeline ---
	// Errors from background goroutines end up here
	workers, workCtx := errgroup.WithContext(workCtx)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerOptions{
		BatchSize:    cfg.PersistBatchSize,
		FlushTimeout: cfg.PersistFlushTimeout,
		Forward:      []chan<- core.CoreOutput{projectionChan, publishChan},
		Metrics:      metrics,
		Logger:       observability.NewLogger("persistence"),
	})
	persistDone := make(chan struct{})
	workers.Go(func() error {
		defer close(persistDone)
		err := ignoreCanceled(persistWorker.Run(workCtx))
		if err != nil {
			// Nothing more becomes durable. Let markets blocked on the send unwind so
			// ingress can stop; recovery resumes from the last durable sequence.
			go func() {
				for range persistChan {
				}
			}()
		}
		return err
	})

	projWorker := projection.NewProjectionWorker(db, projectionChan, observability.NewLogger("projection"))
	workers.Go(func() error {
		return ignoreCanceled(projWorker.Run(workCtx))
	})

	snapshotWorker := persistence.NewSnapshotWorker(snapshots, exchange, cfg.SnapshotInterval, metrics, observability.NewLogger("snapshot"))
	workers.Go(func() error {
		return ignoreCanceled(snapshotWorker.Run(workCtx))
	})

	// --- Markets ---
	for _, name := range exchange.Markets() {
		m, _ := exchange.Market(name)
		feed.SetMaxChangeBps(name, m.Config().MaxPriceChangeBps)
	}
	if cfg.MarketsFile != "" {
		if err := seedMarkets(exchange, feed, cfg.MarketsFile, logger); err != nil {
			return err
		}
	}

	// --- Ingestion ---
	commands := persistence.NewPostgresCommandStore(db)
	dedup := ingestion.NewDeduplicator(cfg.IdempotencyLRUCapacity, commands, metrics, observability.NewLogger("dedup"))
	if keys, err := commands.RecentKeys(ctx, cfg.IdempotencyLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("dedup warm-up skipped")
	} else {
		dedup.Warm(keys)
		logger.Info().Int("keys", dedup.Size()).Msg("dedup cache warmed")
	}

	dispatcher := ingestion.NewDispatcher(exchange, feed, quotes, ingestion.DispatcherOptions{
		Dedup:    dedup,
		Recorder: commands,
		Metrics:  metrics,
		Logger:   observability.NewLogger("dispatcher"),
	})
	parser := ingestion.Parser{PriceDecimals: cfg.PriceDecimals}

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	health.SetDependency("nats", true)
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
	workers.Go(func() error {
		return ignoreCanceled(publisher.Run(workCtx))
	})

	subscriber := ingestion.NewNATSSubscriber(js, parser, dispatcher, observability.NewLogger("subscriber"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer subscriber.Stop()

	// --- Service surfaces ---
	fundStore := persistence.NewInsuranceStore(db)
	fund := state.NewInsuranceFund(cfg.InsuranceSeed)
	if saved, err := fundStore.Load(ctx); err != nil {
		return err
	} else if saved != nil {
		fund = state.RestoreInsuranceFund(*saved)
		logger.Info().Int64("balance", saved.Balance).Msg("insurance fund restored")
	}
	keep := keeper.New(exchange, quotes, fund, keeper.Options{
		Interval: cfg.KeeperInterval,
		Store:    fundStore,
		Metrics:  metrics,
		Logger:   observability.NewLogger("keeper"),
	})
	if _, err := keep.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile insurance fund: %w", err)
	}

	hub := server.NewStreamHub(streamChan, metrics, observability.NewLogger("stream"))
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, server.HTTPOptions{
		Exchange:   exchange,
		Dispatcher: dispatcher,
		Parser:     parser,
		Quotes:     quotes,
		Keeper:     keep,
		Insurance:  fund,
		History:    query.NewQueryService(db),
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, observability.NewLogger("projection"))
		},
		Admin:   cfg.AdminAuthority,
		Stream:  hub,
		Health:  health,
		Metrics: metrics,
		Logger:  observability.NewLogger("http"),
	})
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, health, observability.NewLogger("grpc"))

	ctx, stopIngress := context.WithCancel(ctx)
	defer stopIngress()
	ingress, ctx := errgroup.WithContext(ctx)
	ingress.Go(func() error { return ignoreCanceled(keep.Run(ctx)) })
	ingress.Go(func() error { return ignoreCanceled(hub.Run(ctx)) })
	ingress.Go(func() error { return httpServer.Start(ctx) })
	ingress.Go(func() error { return grpcServer.Start(ctx) })
	ingress.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	ingress.Go(func() error {
		return reportChannels(ctx, metrics, map[string]chan core.CoreOutput{
			"persist":    persistChan,
			"stream":     streamChan,
			"projection": projectionChan,
			"publish":    publishChan,
		})
	})

	health.SetReady(true)
	logger.Info().
		Int("markets", len(exchange.Markets())).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("memeperp ready")

	// --- Shutdown ---
	select {
	case <-ctx.Done():
	case <-workCtx.Done():
		logger.Error().Msg("background worker failed")
	}
	health.SetReady(false)
	logger.Info().Msg("shutting down")

	subscriber.Stop()
	stopIngress()
	ingressErr := ingress.Wait()

	// Drain the persist channel, then snapshot what is durable
	stopWorkers()
	<-persistDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snapshotWorker.SnapshotAll(shutdownCtx)

	return errors.Join(ingressErr, workers.Wait())
}

// seedMarkets creates the markets of the seed file that recovery did not bring back
func seedMarkets(exchange *core.Exchange, feed *oracle.Feed, path string, logger zerolog.Logger) error {
	seeds, err := config.LoadMarkets(path)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		if _, err := exchange.Market(seed.Name); err == nil {
			continue
		}
		m, _, err := exchange.CreateMarket(seed.Authority, seed.MarketConfig, "seed:"+seed.Name, time.Now())
		if err != nil {
			return fmt.Errorf("seed market %s: %w", seed.Name, err)
		}
		feed.SetMaxChangeBps(m.Name(), m.Config().MaxPriceChangeBps)
		logger.Info().Str("market", seed.Name).Msg("market seeded")
	}
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// reportChannels samples channel depth for the backpressure gauges
func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.CoreOutput) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
