package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-sync-orchestrator/internal/api"
	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/queue"
	"marketplace-sync-orchestrator/internal/ratelimit"
	"marketplace-sync-orchestrator/internal/registry"
	"marketplace-sync-orchestrator/internal/scheduler"
	"marketplace-sync-orchestrator/internal/store"
	"marketplace-sync-orchestrator/internal/syncmgr"
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	reg := registry.New()
	defer reg.Close()
	manager := syncmgr.New(st, q, reg)

	sched := scheduler.New(manager, cfg.SyncTenants)
	if err := sched.Start(cfg.SyncCron); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	defer sched.Stop()

	server := api.New(manager, limiter, q)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
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
