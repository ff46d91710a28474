package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nxtg-ai/forge-pool/internal/api"
	"github.com/nxtg-ai/forge-pool/internal/archive"
	"github.com/nxtg-ai/forge-pool/internal/config"
	"github.com/nxtg-ai/forge-pool/internal/health"
	"github.com/nxtg-ai/forge-pool/internal/pool"
	"github.com/nxtg-ai/forge-pool/internal/worker"
	"github.com/nxtg-ai/forge-pool/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Task history archive is optional; without a DSN the pool runs fully
	// in memory.
	var store *archive.Store
	if cfg.Archive.DSN != "" {
		store, err = archive.Open(cfg.Archive.DSN)
		if err != nil {
			log.Fatalf("Failed to open archive database: %v", err)
		}
		log.Println("Task archive enabled")
	}

	heartbeat := time.Duration(cfg.Pool.HeartbeatIntervalSeconds) * time.Second
	manager := pool.NewManager(pool.Options{
		MinWorkers:   cfg.Pool.MinWorkers,
		MaxWorkers:   cfg.Pool.MaxWorkers,
		WorkRoot:     cfg.Pool.WorkDirectory,
		EnvWhitelist: cfg.Pool.EnvWhitelist,
		Limits: worker.Limits{
			MaxMemoryBytes:  uint64(cfg.Limits.MaxMemoryMB) * 1024 * 1024,
			CPUSharePercent: cfg.Limits.CPUSharePercent,
			MaxChildProcs:   cfg.Limits.MaxChildProcs,
			MaxOpenFiles:    cfg.Limits.MaxOpenFiles,
		},
		HeartbeatInterval:      heartbeat,
		HeartbeatMissThreshold: cfg.Pool.HeartbeatMissThreshold,
		MaxWorkerRestarts:      cfg.Pool.MaxWorkerRestarts,
		Retention:              time.Duration(cfg.Pool.RetentionMinutes) * time.Minute,
		Retry: health.RetryPolicy{
			BaseDelay:  time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
			MaxRetries: cfg.Retry.MaxRetries,
		},
		Breaker: health.BreakerPolicy{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
			TrialTasks:       cfg.Breaker.TrialTasks,
		},
		Scaling: pool.ScalingOptions{
			Interval:       time.Duration(cfg.Scaling.IntervalSeconds) * time.Second,
			UpperThreshold: cfg.Scaling.UpperThreshold,
			LowerThreshold: cfg.Scaling.LowerThreshold,
			Step:           cfg.Scaling.Step,
			Cooldown:       time.Duration(cfg.Scaling.CooldownSeconds) * time.Second,
		},
		Factory: worker.NewProcRunnerFactory(cfg.Pool.AgentBinary, heartbeat),
		Archive: store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize worker pool: %v", err)
	}

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()
	detach := hub.Attach(manager)

	apiServer := api.NewServer(manager, store, hub)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: apiServer.GetRouter(),
	}

	go func() {
		log.Printf("Starting HTTP server on %s", cfg.Server.Address)
		log.Printf("WebSocket endpoint: ws://%s/ws", cfg.Server.Address)
		log.Printf("REST API endpoint: http://%s/api/v1", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	detach()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("Pool shutdown: %v", err)
	}
	hub.Stop()
	os.Exit(0)
}
