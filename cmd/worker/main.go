package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/campaign-dispatch/internal/app"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

func main() {
	log.Println("Starting campaign dispatch worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required for the worker")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, cfg)
	if err != nil {
		initCancel()
		log.Fatalf("Failed to initialize: %v", err)
	}
	transports, err := a.Transports(initCtx)
	initCancel()
	if err != nil {
		a.Close()
		log.Fatalf("Failed to initialize transports: %v", err)
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Dispatch.Workers; i++ {
		d := a.NewDispatcher(i, transports)
		g.Go(func() error {
			d.Start(gctx)
			return nil
		})
	}
	log.Printf("%d dispatchers started", cfg.Dispatch.Workers)

	g.Go(func() error {
		a.Scheduler.Start(gctx)
		return nil
	})
	log.Printf("Retry scheduler started (interval %s, base delay %s)", cfg.Retry.Interval(), cfg.Retry.BaseDelay())

	g.Go(func() error {
		a.Cache.Listen(gctx)
		return nil
	})

	if consumer := a.TrackingConsumer(); consumer != nil {
		g.Go(func() error {
			consumer.Start(gctx)
			return nil
		})
		log.Println("Tracking event consumer started")
	}

	log.Println("Worker running...")
	<-ctx.Done()
	log.Println("Shutting down worker...")

	if err := g.Wait(); err != nil {
		log.Printf("Worker exited with error: %v", err)
	}
	log.Println("Worker stopped")
}
