// cmd/engine-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"endorsement-engine/internal/common/aws"
	"endorsement-engine/internal/common/camunda"
	"endorsement-engine/internal/common/config"
	"endorsement-engine/internal/common/database"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/common/observability"
	"endorsement-engine/internal/engine/admission"
	"endorsement-engine/internal/engine/commitment"
	"endorsement-engine/internal/engine/ledger"
	"endorsement-engine/internal/engine/reputation"
	"endorsement-engine/internal/engine/settlement"
	"endorsement-engine/internal/outbox"
	"endorsement-engine/internal/projector"

	ao "endorsement-engine/internal/workers/endorsement/application-outcome"
	pb "endorsement-engine/internal/workers/endorsement/place-bid"
	ql "endorsement-engine/internal/workers/endorsement/query-leaderboard"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting engine manager...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("engine-manager")
	defer obs.Shutdown()

	tracing, err := observability.NewTracing("engine-manager", cfg.Tracing.JaegerEndpoint)
	if err != nil {
		zapLog.Warn("tracing init failed, continuing without span export", zap.Error(err))
	} else {
		defer tracing.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init Zeebe Client with retry ---
	var camundaClient *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		camundaClient, err = camunda.NewClient(cfg.Camunda.BrokerAddress)
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")

	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch with retry (optional) ---
	var esClient *database.ElasticsearchClient
	if cfg.Database.Elasticsearch.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Stake Ledger ---
	// In-process ledger with auto-confirmation. The production adapter speaks
	// to the payments platform over its own channel; until it ships this
	// keeps the engine runnable end to end.
	stakeLedger := ledger.NewMemoryLedger()
	stakeLedger.SetAutoConfirm(true)

	// --- Engine Core ---
	table := admission.NewTable(pg.DB, cfg.Auction.SlotsPerApplication, log)

	router := commitment.NewConfirmationRouter(stakeLedger, log)
	go router.Run(ctx)

	commitEngine := commitment.NewEngine(pg.DB, stakeLedger, router, table, commitment.Config{
		ReservationTimeout: config.GetDuration(cfg.Auction.ReservationTimeout),
		MaxReserveAttempts: cfg.Auction.MaxReserveAttempts,
		RetryBackoff:       config.GetDuration(cfg.Auction.RetryBackoff),
	}, log)

	attempts := commitment.NewAttemptStore(pg.DB)
	staleAfter := config.GetDuration(cfg.Auction.ReservationTimeout) * time.Duration(cfg.Auction.MaxReserveAttempts+1)
	sweeper := commitment.NewSweeper(attempts, stakeLedger, log,
		config.GetDuration(cfg.Auction.SweepInterval), staleAfter)
	go sweeper.Run(ctx)

	var repSource reputation.Source = &reputation.StaticSource{Neutral: 0.5}
	if cfg.Reputation.BaseURL != "" {
		repSource = reputation.NewCachedSource(
			reputation.NewHTTPSource(cfg.Reputation.BaseURL, config.GetDuration(cfg.Reputation.Timeout), log),
			redis.Client,
			config.GetDuration(cfg.Reputation.CacheTTL),
			log,
		)
	}

	settleEngine := settlement.NewEngine(
		pg.DB, stakeLedger, commitEngine, repSource,
		settlement.ReputationWeighted{
			Base: cfg.Settlement.BaseSlashRate,
			Max:  cfg.Settlement.MaxSlashRate,
		},
		settlement.Config{
			DrainTimeout:           config.GetDuration(cfg.Auction.DrainTimeout),
			ReputationGainOnHire:   cfg.Settlement.ReputationGainOnHire,
			ReputationLossOnReject: cfg.Settlement.ReputationLossOnReject,
		},
		log,
	)

	// --- Projections & Event Dispatch ---
	leaderboard := projector.NewLeaderboard(redis.Client, log)

	dispatcher := outbox.NewDispatcher(pg.DB,
		config.GetDuration(cfg.Events.DispatchInterval), cfg.Events.BatchSize, log)
	dispatcher.Subscribe(leaderboard)

	if esClient != nil {
		dispatcher.Subscribe(projector.NewSearchIndexer(esClient.Client, log))
	}

	if cfg.Events.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Events.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		dispatcher.WithSNS(snsClient, cfg.Events.SNS.TopicARN)
		zapLog.Info("SNS event publishing enabled")
	}
	go dispatcher.Run(ctx)

	// --- Register Workers ---
	var workers []*camunda.CamundaWorker

	if wcfg := cfg.Workers[pb.TaskType]; wcfg.Enabled {
		handler := pb.NewHandler(
			&pb.Config{
				Timeout: config.GetDuration(wcfg.Timeout),
			},
			commitEngine, log,
		)
		workers = append(workers, camunda.NewWorker(
			camundaClient.GetClient(), pb.TaskType, wcfg.MaxJobsActive,
			config.GetDuration(wcfg.Timeout), handler, zapLog))
	}

	if wcfg := cfg.Workers[ao.TaskType]; wcfg.Enabled {
		handler := ao.NewHandler(
			&ao.Config{
				Timeout: config.GetDuration(wcfg.Timeout),
			},
			settleEngine, log,
		)
		workers = append(workers, camunda.NewWorker(
			camundaClient.GetClient(), ao.TaskType, wcfg.MaxJobsActive,
			config.GetDuration(wcfg.Timeout), handler, zapLog))
	}

	if wcfg := cfg.Workers[ql.TaskType]; wcfg.Enabled {
		qlCfg := ql.LoadConfig()
		qlCfg.Timeout = config.GetDuration(wcfg.Timeout)
		handler := ql.NewHandler(qlCfg, leaderboard, log)
		workers = append(workers, camunda.NewWorker(
			camundaClient.GetClient(), ql.TaskType, wcfg.MaxJobsActive,
			config.GetDuration(wcfg.Timeout), handler, zapLog))
	}

	for _, w := range workers {
		w.Start()
	}
	zapLog.Info("All workers registered successfully")

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := camundaClient.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, w := range workers {
		w.Stop(shutdownCtx)
	}

	// Flush what the outbox already holds before closing connections.
	if err := dispatcher.DispatchOnce(shutdownCtx); err != nil {
		zapLog.Error("Final outbox dispatch failed", zap.Error(err))
	}

	if err := camundaClient.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Engine manager stopped gracefully")
}
