package main

import (
	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("perpvault")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("perpvault", observability.ParseLogLevel(cfg.LogLevel))

	logger.Info().
		Str("go", runtime.Version()).
		Str("collateral", cfg.Market.Collateral.Symbol).
		Str("index", cfg.Market.Index.Symbol).
		Msg("PerpVault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres (event log, snapshots, migrations) ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db, metrics)

	// --- Venue ---
	feed := oracle.NewFeed()
	gateway := oracle.NewGateway(feed, nil)
	custody, err := ledger.NewCustody(cfg.Market.Collateral.Identity)
	if err != nil {
		logger.Fatal().Err(err).Msg("custody")
	}

	// Persist channel blocks (backpressure); projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	var srv *server.Server
	venue, err := core.NewVenue(core.Config{
		Market:              cfg.Market,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		Metrics:             metrics,
		Logger:              logger.With().Str("component", "venue").Logger(),
		OnHalt: func(reason string) {
			healthChecker.SetNotReady(reason)
			if srv != nil {
				srv.SetServing(false)
			}
		},
	}, gateway, custody, persistCoreChan, projectionCoreChan)
	if err != nil {
		logger.Fatal().Err(err).Msg("venue")
	}

	// --- Recovery: snapshot + replay ---
	rec, err := persistence.Recover(ctx, snapMgr, venue, 1000, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	keys, err := snapMgr.RecentIdempotencyKeys(ctx, min(cfg.IdempotencyLRUCapacity, 100_000))
	if err != nil {
		logger.Warn().Err(err).Msg("could not warm idempotency cache")
	} else {
		venue.WarmLRU(keys)
	}
	logger.Info().
		Int64("snapshot_sequence", rec.SnapshotSequence).
		Int64("replayed", rec.Replayed).
		Int64("next_sequence", rec.NextSequence).
		Msg("recovery complete")

	var durable atomic.Int64
	durable.Store(rec.NextSequence - 1)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, cfg.PriceSubject, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure price stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, cfg.EventSubjectRoot, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawPriceChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawPriceChan, logger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.PriceSubjects(cfg.PriceSubject)); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	priceIngestor := ingestion.NewPriceIngestor(feed, metrics, logger)

	publishChan := make(chan ingestion.PublishableEvent, 4096)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, cfg.EventSubjectRoot, metrics, logger)

	// --- Read model: pgx pool + redis cache ---
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("pgx pool")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, queries will read through")
	}

	projStore := projection.NewPgStore(pool, metrics)
	projChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(projStore, projStore, projChan, logger)

	queries := query.NewQueryService(
		query.NewCachedStore(query.NewPgStore(pool), rdb, cfg.RedisTTL, metrics),
		cfg.Market, metrics)

	// --- Servers ---
	hub := server.NewWSHub(metrics, logger)
	srv, err = server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Venue:               venue,
		Prices:              priceIngestor,
		Queries:             queries,
		Hub:                 hub,
		Health:              healthChecker,
		Metrics:             metrics,
		AllowWalletFunding:  cfg.EnableWalletFunding,
		AllowPriceInjection: cfg.EnablePriceInjection,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	run := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("goroutine", name).Msg("exited")
				errChan <- err
			}
		}()
	}

	// The persistence worker outlives ctx so every sealed event is flushed.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(db), persistWorkerChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	persistWorker.OnFlushed(func(seq int64) { durable.Store(seq) })

	var persistWG, serveWG, bgWG sync.WaitGroup
	run(&persistWG, "persistence", func() error { return persistWorker.Run(persistCtx) })

	// Core output bridges.
	run(&persistWG, "persist-bridge", func() error {
		bridgePersist(persistCtx, persistCoreChan, persistWorkerChan, publishChan, hub, metrics)
		return nil
	})
	run(&bgWG, "projection-bridge", func() error {
		bridgeProjection(ctx, projectionCoreChan, projChan)
		return nil
	})

	run(&bgWG, "projection", func() error { return projWorker.Run(ctx) })
	run(&bgWG, "publisher", func() error { return publisher.Run(ctx) })
	run(&bgWG, "price-ingest", func() error { return priceIngestor.Run(ctx, rawPriceChan) })
	run(&bgWG, "ws-hub", func() error { hub.Run(ctx); return nil })
	run(&bgWG, "snapshots", func() error {
		persistence.RunPeriodicSnapshots(ctx, venue, snapMgr, durable.Load,
			cfg.SnapshotInterval, time.Second, metrics, logger)
		return nil
	})
	run(&bgWG, "channel-metrics", func() error {
		sampleChannels(ctx, metrics, persistCoreChan, projectionCoreChan, publishChan)
		return nil
	})

	run(&serveWG, "grpc", func() error { return srv.StartGRPC(ctx) })
	run(&serveWG, "http", func() error { return srv.StartHTTP(ctx) })
	run(&bgWG, "metrics", func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", venue.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpVault ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then drain the persist path, then snapshot.
	healthChecker.SetNotReady("shutting down")
	cancel()
	natsSubscriber.Stop()
	serveWG.Wait()

	close(persistCoreChan)
	close(projectionCoreChan)

	drained := make(chan struct{})
	go func() { persistWG.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence did not drain in time")
		persistCancel()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if snap, err := persistence.TakeSnapshot(shutdownCtx, venue, snapMgr, durable.Load, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	bgWG.Wait()
	logger.Info().Msg("PerpVault shutdown complete")
}

// bridgePersist forwards sealed outputs to the persistence worker, blocking,
// and fans them out to NATS and websocket clients without blocking. It
// closes persistOut once persistIn is closed and drained.
func bridgePersist(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
	hub *server.WSHub,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	for out := range persistIn {
		select {
		case persistOut <- persistence.FromCoreOutput(out):
		case <-ctx.Done():
			return
		}

		evt := ingestion.NewPublishable(out)
		select {
		case publishOut <- evt:
		default:
			metrics.PublishDrops.Inc()
		}
		hub.Broadcast(evt)
	}
}

func bridgeProjection(ctx context.Context, in <-chan core.CoreOutput, out chan<- projection.ProjectionOutput) {
	for o := range in {
		select {
		case out <- projection.FromCoreOutput(o):
		case <-ctx.Done():
			return
		}
	}
}

func sampleChannels(
	ctx context.Context,
	metrics *observability.Metrics,
	persist, proj chan core.CoreOutput,
	publish chan ingestion.PublishableEvent,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(proj), cap(proj))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
