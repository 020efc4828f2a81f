package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/api"
	gcsarchive "github.com/bjpl/open-learn-co-sub001/internal/archive/gcs"
	archivemem "github.com/bjpl/open-learn-co-sub001/internal/archive/memory"
	"github.com/bjpl/open-learn-co-sub001/internal/cache"
	"github.com/bjpl/open-learn-co-sub001/internal/clock/system"
	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/config"
	"github.com/bjpl/open-learn-co-sub001/internal/enrichment"
	"github.com/bjpl/open-learn-co-sub001/internal/hash/sha256"
	"github.com/bjpl/open-learn-co-sub001/internal/id/uuid"
	"github.com/bjpl/open-learn-co-sub001/internal/logging"
	"github.com/bjpl/open-learn-co-sub001/internal/metrics"
	"github.com/bjpl/open-learn-co-sub001/internal/orchestrator"
	memorypublisher "github.com/bjpl/open-learn-co-sub001/internal/publisher/memory"
	pubsubpublisher "github.com/bjpl/open-learn-co-sub001/internal/publisher/pubsub"
	"github.com/bjpl/open-learn-co-sub001/internal/ratelimit"
	"github.com/bjpl/open-learn-co-sub001/internal/scheduler"
	"github.com/bjpl/open-learn-co-sub001/internal/sources"
	"github.com/bjpl/open-learn-co-sub001/internal/storage/memory"
	"github.com/bjpl/open-learn-co-sub001/internal/storage/postgres"
)

const userAgent = "open-learn-collector/0.1"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.New()

	var (
		jobStore    collection.JobStore
		recordStore collection.RecordStore
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if err != nil {
			logger.Fatal("postgres pool init failed", zap.Error(err))
		}
		defer pool.Close()
		if jobStore, err = postgres.NewJobStore(pool); err != nil {
			logger.Fatal("job store init failed", zap.Error(err))
		}
		if recordStore, err = postgres.NewRecordStore(pool); err != nil {
			logger.Fatal("record store init failed", zap.Error(err))
		}
	} else {
		logger.Info("no database DSN configured, using in-memory stores")
		jobStore = memory.NewJobStore()
		recordStore = memory.NewRecordStore()
	}

	var cacheStore collection.CacheStore
	if cfg.Cache.Backend == "redis" {
		redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("redis init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := redisStore.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
		cacheStore = redisStore
	} else {
		cacheStore = cache.NewMemoryStore()
	}
	cacheManager := cache.NewManager(cacheStore, logger.Named("cache"))

	var blobStore collection.BlobStore
	if cfg.Storage.Backend == "gcs" {
		gcsClient, err := gcstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		if blobStore, err = gcsarchive.New(gcsClient, gcsarchive.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix}); err != nil {
			logger.Fatal("gcs archive init failed", zap.Error(err))
		}
	} else {
		blobStore = archivemem.NewBlobStore()
	}

	var events collection.Publisher
	if cfg.PubSub.Enabled {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		pub, err := pubsubpublisher.New(pubsubClient)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		defer pub.Close()
		events = pub
	} else {
		events = memorypublisher.New()
	}

	registry := sources.NewRegistry()
	if err := registry.BuildDefaults(cfg.Sources, clock, userAgent); err != nil {
		logger.Fatal("source registry init failed", zap.Error(err))
	}
	go probeSources(ctx, registry, cfg.Sources, logger)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		DefaultBurst:     cfg.RateLimit.DefaultBurst,
	}, cfg.Sources)

	batchTimeout, resultTTL := cfg.EnrichmentTiming()
	processor := enrichment.New(enrichment.Config{
		BatchSize:    cfg.Enrichment.BatchSize,
		BatchTimeout: batchTimeout,
		ResultTTL:    resultTTL,
	}, enrichment.NewHeuristicModel(), cacheManager, hasher, logger.Named("enrichment"))

	orch := orchestrator.New(
		registry,
		limiter,
		recordStore,
		processor,
		cacheManager,
		hasher,
		clock,
		idGen,
		logger.Named("orchestrator"),
		orchestrator.Options{Archive: blobStore, Publisher: events},
	)

	baseDelay, maxDelay, heartbeat, orphanAfter := cfg.SchedulerTiming()
	sched := scheduler.New(scheduler.Config{
		TierWorkers: map[collection.Priority]int{
			collection.PriorityHigh:   cfg.Scheduler.HighWorkers,
			collection.PriorityMedium: cfg.Scheduler.MediumWorkers,
			collection.PriorityLow:    cfg.Scheduler.LowWorkers,
		},
		BaseDelay:         baseDelay,
		MaxDelay:          maxDelay,
		HeartbeatInterval: heartbeat,
		OrphanAfter:       orphanAfter,
	}, cfg.Sources, jobStore, recordStore, orch, clock, idGen, logger.Named("scheduler"))

	apiOpts := api.Options{}
	if cfg.Auth.Enabled {
		apiOpts.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(sched, jobStore, recordStore, logger.Named("api"), apiOpts)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("enrichment processor started")
		processor.Run(ctx)
	}()

	go func() {
		logger.Info("scheduler started", zap.Int("sources", len(cfg.Sources)))
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// probeSources runs a one-shot connectivity check per enabled source and
// logs the outcome. Failures are informational; the scheduler will find
// out for real on the first trigger.
func probeSources(ctx context.Context, registry *sources.Registry, defs []collection.SourceDefinition, logger *zap.Logger) {
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		adapter, err := registry.Get(def.Key)
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ok := adapter.TestConnection(probeCtx)
		cancel()
		if ok {
			logger.Info("source reachable", zap.String("source", def.Key))
		} else {
			logger.Warn("source probe failed", zap.String("source", def.Key))
		}
	}
}
