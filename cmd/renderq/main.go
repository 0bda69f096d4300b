package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/renderq/config"
	HTTPAdapter "github.com/bnema/renderq/internal/adapter/http"
	"github.com/bnema/renderq/internal/adapter/render/ffmpeg"
	"github.com/bnema/renderq/internal/adapter/storage/memory"
	"github.com/bnema/renderq/internal/adapter/storage/sqlite"
	locupload "github.com/bnema/renderq/internal/adapter/upload/local"
	s3upload "github.com/bnema/renderq/internal/adapter/upload/s3"
	"github.com/bnema/renderq/internal/infrastructure/logger"
	"github.com/bnema/renderq/internal/port"
	"github.com/bnema/renderq/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error.Printf("failed to load config: %v", err)
		return 1
	}

	logger.Info.Printf("starting renderq on port %d (backend=%s, max_parallel=%d)",
		cfg.Port, cfg.QueueBackend, cfg.MaxParallel)

	for _, dir := range []string{cfg.DataDir, cfg.TempRenderDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error.Printf("failed to create directory %s: %v", dir, err)
			return 1
		}
	}

	var (
		queue      port.JobQueue
		ledger     port.Ledger
		health     func() error
		closeStore func()
	)

	switch cfg.QueueBackend {
	case config.BackendSQLite:
		// The process must not run against an unverified store.
		store, err := sqlite.NewStore(cfg.DataDir, cfg.DBRetryAttempts, cfg.DBRetryDelay)
		if err != nil {
			logger.Error.Printf("store unreachable: %v", err)
			return 1
		}
		queue = sqlite.NewJobQueue(store, cfg.LeaseTTL)
		ledger = sqlite.NewLedger(store)
		health = func() error { return store.Ping(context.Background()) }
		closeStore = func() {
			if err := store.Close(); err != nil {
				logger.Error.Printf("close store: %v", err)
			}
		}
	case config.BackendMemory:
		logger.Warn.Printf("memory backend selected: job state will not survive a restart")
		registry := memory.NewRegistry()
		queue = registry
		ledger = registry
	}

	renderer := ffmpeg.NewRenderer(cfg.TempRenderDir)

	var uploader port.Uploader
	if cfg.S3.Configured() {
		u, err := s3upload.NewUploader(cfg.S3)
		if err != nil {
			logger.Error.Printf("failed to build s3 uploader: %v", err)
			return 1
		}
		uploader = u
	} else {
		logger.Warn.Printf("no S3 configuration, storing artifacts under %s", cfg.DataDir)
		u, err := locupload.NewUploader(filepath.Join(cfg.DataDir, "outputs"))
		if err != nil {
			logger.Error.Printf("failed to build local uploader: %v", err)
			return 1
		}
		uploader = u
	}

	pool := service.NewWorkerPool(queue, renderer, uploader, service.PoolConfig{
		MaxParallel:      cfg.MaxParallel,
		PollInterval:     cfg.PollInterval,
		ProgressInterval: cfg.ProgressUpdateInterval,
		CreditUnit:       cfg.CreditUnit,
	})
	coordinator := service.NewCoordinator(pool, cfg.ShutdownTimeout)

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	go pool.Run(loopCtx)
	go runReaper(loopCtx, queue, cfg.LeaseTTL)

	api := HTTPAdapter.NewServer(queue, ledger, health, cfg.AuthToken)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info.Printf("api listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			coordinator.Trigger("http server failed: " + err.Error())
		}
	}()

	coordinator.BeforeDrain = func(ctx context.Context) {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error.Printf("http shutdown: %v", err)
		}
		stopLoops()
	}
	coordinator.AfterDrain = func() {
		if closeStore != nil {
			closeStore()
		}
	}

	return coordinator.Wait()
}

// runReaper periodically requeues rendering jobs whose lease expired, so a
// crashed worker's claims are eventually recovered. The sweep runs once at
// startup too, covering leases that lapsed while the process was down.
func runReaper(ctx context.Context, queue port.JobQueue, leaseTTL time.Duration) {
	sweep := func() {
		reaped, err := queue.ReapExpired(ctx)
		if err != nil {
			logger.Error.Printf("lease reaper: %v", err)
			return
		}
		if reaped > 0 {
			logger.Warn.Printf("requeued %d jobs with expired leases", reaped)
		}
	}

	sweep()
	ticker := time.NewTicker(leaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
