// The edge daemon runs on the VLE's device: it serves the local intake API,
// owns the local operation log, and reconciles it with the central API
// whenever connectivity allows.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seva-orchestrator/internal/config"
	"seva-orchestrator/internal/syncqueue"
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

	q, err := syncqueue.New(cfg.EdgeDataDir, cfg.CentralURL)
	if err != nil {
		log.Fatalf("open sync queue: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.EdgeListenAddr,
		Handler: q.IntakeRouter(),
	}
	go func() {
		log.Printf("edge intake listening on %s", cfg.EdgeListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("intake server: %v", err)
			cancel()
		}
	}()

	log.Printf("edge agent syncing %s -> %s every %s", cfg.EdgeDataDir, cfg.CentralURL, cfg.SyncInterval)
	if err := q.Run(ctx, cfg.SyncInterval); err != nil && ctx.Err() == nil {
		log.Printf("edge agent stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
