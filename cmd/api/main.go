package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"seva-orchestrator/internal/api"
	"seva-orchestrator/internal/artifact"
	"seva-orchestrator/internal/capability"
	"seva-orchestrator/internal/config"
	"seva-orchestrator/internal/notify"
	"seva-orchestrator/internal/orchestrator"
	"seva-orchestrator/internal/queue"
	"seva-orchestrator/internal/ratelimit"
	"seva-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}
	go artifact.RunSweeper(ctx, artifacts, cfg.ArtifactTTL)

	var channel capability.Notifier = capability.NewHTTPNotifier(cfg.NotifyURL, 0)
	if cfg.NotifyFallbackURL != "" {
		channel = &capability.FallbackNotifier{
			Primary:   channel,
			Secondary: capability.NewHTTPNotifier(cfg.NotifyFallbackURL, 0),
		}
	}
	notifier := notify.New(st, channel, nil)

	machine := orchestrator.New(st, "api")
	server := api.New(cfg, st, q, machine, limiter, artifacts, notifier)
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
