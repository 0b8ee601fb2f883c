package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"marketplace-sync-orchestrator/internal/archive"
	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/marketplace"
	"marketplace-sync-orchestrator/internal/orchestrator"
	"marketplace-sync-orchestrator/internal/queue"
	"marketplace-sync-orchestrator/internal/ratelimit"
	"marketplace-sync-orchestrator/internal/status"
	"marketplace-sync-orchestrator/internal/store"
	"marketplace-sync-orchestrator/internal/telemetry"
	workerproc "marketplace-sync-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Runs left non-terminal by a dead process are failed before this worker
	// starts pulling tasks.
	reconciler := status.NewReconciler(st, nil, q)
	if orphans, err := reconciler.Pass(ctx); err != nil {
		log.Printf("reconcile on boot: %v", err)
	} else {
		for _, o := range orphans {
			log.Printf("reconcile: %v", o)
		}
	}

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	var notifier workerproc.Notifier
	if cfg.OrchestratorURL != "" {
		notifier = orchestrator.NewWebhookClient(cfg.OrchestratorURL, 0)
	} else {
		orch := orchestrator.New(st, q)
		if archiver != nil {
			orch.SetArchiver(archiver)
		}
		notifier = orch
	}

	processor := workerproc.NewProcessor(cfg, q, st, notifier)
	gate := ratelimit.NewIntervalGate(redisClient, "gate:marketplace", cfg.SourceAPIInterval)
	processor.SetGate(gate)
	if archiver != nil {
		processor.SetArchiver(archiver)
	}

	client := marketplace.NewClient(cfg)
	workerproc.RegisterSteps(processor, marketplace.Collaborators(client, st), gate)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started: pool=%d visibility=%s backoff_initial=%s",
		cfg.WorkerCount, cfg.VisibilityTimeout, cfg.BackoffInitial)
	processor.RunPool(ctx, cfg.WorkerCount)
}
