package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-sync-orchestrator/internal/archive"
	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/orchestrator"
	"marketplace-sync-orchestrator/internal/queue"
	"marketplace-sync-orchestrator/internal/status"
	"marketplace-sync-orchestrator/internal/store"
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

	reconciler := status.NewReconciler(st, nil, q)
	if orphans, err := reconciler.Pass(ctx); err != nil {
		log.Printf("reconcile on boot: %v", err)
	} else {
		for _, o := range orphans {
			log.Printf("reconcile: %v", o)
		}
	}

	orch := orchestrator.New(st, q)
	if archiver, err := archive.New(ctx, cfg); err != nil {
		log.Fatalf("init archiver: %v", err)
	} else if archiver != nil {
		orch.SetArchiver(archiver)
	}
	server := orchestrator.NewServer(orch)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("orchestrator listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
