package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kemurphy3/athlete-performance-predictor/internal/config"
	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
	"github.com/kemurphy3/athlete-performance-predictor/internal/ingest"
	persistence "github.com/kemurphy3/athlete-performance-predictor/internal/persistence/postgres"
	"github.com/kemurphy3/athlete-performance-predictor/internal/reconcile"
	"github.com/kemurphy3/athlete-performance-predictor/internal/syncjob"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	store := persistence.NewRepository(pool)

	precedence := domain.DefaultPrecedence()
	matcher := reconcile.NewMatcher(store, reconcile.DefaultMatcherConfig())
	merger := reconcile.NewMerger(precedence, domain.DefaultTolerances())

	known := precedence.Sources()
	sources := make([]ingest.Source, 0, len(known))
	for _, id := range known {
		sources = append(sources, ingest.NewFeedSource(pool, id, cfg.FeedPageSize))
	}

	orchestrator := syncjob.New(store, matcher, merger, sources, syncjob.Config{
		FetchTimeout:      cfg.FetchTimeout,
		MaxJobAttempts:    cfg.SyncMaxAttempts,
		MaxVersionRetries: syncjob.DefaultConfig().MaxVersionRetries,
		BaseBackoff:       cfg.SyncBaseBackoff,
	})
	runner := syncjob.NewRunner(orchestrator, cfg.SyncConcurrency, log.Default())

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("reconciler metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.SyncPollInterval)
	defer ticker.Stop()

	log.Printf("reconciler started (interval=%s, concurrency=%d)", cfg.SyncPollInterval, cfg.SyncConcurrency)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
			pairs, err := ingest.PendingPairs(ctx, pool)
			if err != nil {
				log.Printf("pending pair scan failed: %v", err)
				continue
			}
			if len(pairs) == 0 {
				continue
			}

			jobs := make([]syncjob.Job, 0, len(pairs))
			for _, pair := range pairs {
				jobs = append(jobs, syncjob.Job{AthleteID: pair.AthleteID, SourceID: pair.SourceID})
			}

			log.Printf("dispatching %d sync jobs", len(jobs))
			if err := runner.RunBatch(ctx, jobs); err != nil && err != context.Canceled {
				log.Printf("sync batch aborted: %v", err)
			}
		case <-stop:
			log.Println("reconciler received shutdown signal")
			cancel()
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}
