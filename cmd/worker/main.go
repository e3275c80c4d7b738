package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"seva-orchestrator/internal/capability"
	"seva-orchestrator/internal/config"
	"seva-orchestrator/internal/dispatch"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/notify"
	"seva-orchestrator/internal/orchestrator"
	"seva-orchestrator/internal/queue"
	"seva-orchestrator/internal/store"
	"seva-orchestrator/internal/telemetry"
	workerproc "seva-orchestrator/internal/worker"
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var transcriber capability.Transcriber = capability.NewHTTPVoice(cfg.VoiceURL, cfg.StageTimeout)
	if cfg.VoiceFallbackURL != "" {
		transcriber = &capability.FallbackTranscriber{
			Primary:   transcriber,
			Secondary: capability.NewHTTPVoice(cfg.VoiceFallbackURL, cfg.StageTimeout),
		}
	}
	var channel capability.Notifier = capability.NewHTTPNotifier(cfg.NotifyURL, 0)
	if cfg.NotifyFallbackURL != "" {
		channel = &capability.FallbackNotifier{
			Primary:   channel,
			Secondary: capability.NewHTTPNotifier(cfg.NotifyFallbackURL, 0),
		}
	}

	set := capability.Set{
		Transcriber: transcriber,
		Extractor:   capability.NewHTTPVoice(cfg.VoiceURL, cfg.StageTimeout),
		Verifier:    capability.NewHTTPDocument(cfg.DocumentURL, cfg.StageTimeout),
		Navigator:   capability.NewHTTPPortal(cfg.PortalAgentURL, cfg.StageTimeout),
		Notifier:    channel,
	}

	dispatcher := dispatch.New(st, dispatch.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		StageTimeout: cfg.StageTimeout,
		GracePeriod:  cfg.TaskGracePeriod,
	}, workerID)
	for stage, fn := range workerproc.StageBindings(set) {
		dispatcher.Register(stage, fn)
	}

	machine := orchestrator.New(st, "worker")
	notifier := notify.New(st, channel, []string{models.StatusAwaitingConfirmation})
	processor := workerproc.NewProcessor(cfg, q, st, machine, dispatcher, notifier, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started visibility=%s max_attempts=%d", workerID, cfg.VisibilityTimeout, cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
