package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/app"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v\n"+
			"  Hint: Run 'lsof -i :<port>' to find the blocking process", addr, err)
	}
	return ln.Close()
}

func main() {
	log.Println("Campaign dispatch API (cmd/server)")

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

	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	if cfg.Dispatch.Embedded {
		transports, err := a.Transports(ctx)
		if err != nil {
			log.Fatalf("Failed to initialize transports: %v", err)
		}
		for i := 0; i < cfg.Dispatch.Workers; i++ {
			d := a.NewDispatcher(i, transports)
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Start(ctx)
			}()
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.Scheduler.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			a.Cache.Listen(ctx)
		}()
		log.Printf("Embedded dispatch started (%d dispatchers, retry interval %s)",
			cfg.Dispatch.Workers, cfg.Retry.Interval())
	}

	var tracking api.Mounter
	if h := a.TrackingHandler(); h != nil {
		tracking = h
		log.Println("Engagement tracking routes enabled")
	}

	server := api.NewServer(cfg.Server, a.Handlers(), a.HealthChecker(), tracking)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Let in-flight dispatch cycles record their outcomes.
	cancel()
	wg.Wait()

	log.Println("Server stopped")
}
