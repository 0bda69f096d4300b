package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bnema/renderq/internal/infrastructure/logger"
)

// Exit codes: 0 clean shutdown, 1 startup failure (set by main), 3 forced
// exit after the drain deadline.
const (
	ExitClean  = 0
	ExitForced = 3
)

// Coordinator owns the shutdown sequence: on SIGINT/SIGTERM (or an internal
// trigger) it stops the pool from claiming, runs BeforeDrain, waits for
// active renders up to the deadline, then AfterDrain on a clean drain.
type Coordinator struct {
	pool    *WorkerPool
	timeout time.Duration

	trigger chan struct{}
	once    sync.Once

	// BeforeDrain stops outward surfaces (the HTTP listener) so nothing
	// new arrives while jobs drain.
	BeforeDrain func(ctx context.Context)
	// AfterDrain releases shared resources (the store's pool) once no job
	// can still be using them. Skipped on a forced exit.
	AfterDrain func()
}

func NewCoordinator(pool *WorkerPool, timeout time.Duration) *Coordinator {
	c := &Coordinator{
		pool:    pool,
		timeout: timeout,
		trigger: make(chan struct{}),
	}
	pool.SetFatalHandler(func(err error) {
		c.Trigger("unexpected error: " + err.Error())
	})
	return c
}

// Trigger starts the shutdown sequence from inside the process. Safe to
// call more than once; only the first reason is reported.
func (c *Coordinator) Trigger(reason string) {
	c.once.Do(func() {
		logger.Warn.Printf("shutdown triggered: %s", logger.Sanitize(reason))
		close(c.trigger)
	})
}

// Wait blocks until a termination signal or internal trigger, drains the
// pool, and returns the process exit code.
func (c *Coordinator) Wait() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info.Printf("received %s, shutting down", sig)
	case <-c.trigger:
	}

	c.pool.StopClaiming()

	if c.BeforeDrain != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		c.BeforeDrain(ctx)
		cancel()
	}

	if active := c.pool.Active(); active > 0 {
		logger.Info.Printf("draining %d active renders (deadline %s)", active, c.timeout)
	}
	if !c.pool.Drain(c.timeout) {
		logger.Error.Printf("drain deadline exceeded with %d renders active, forcing exit", c.pool.Active())
		return ExitForced
	}

	if c.AfterDrain != nil {
		c.AfterDrain()
	}
	logger.Info.Printf("shutdown complete")
	return ExitClean
}
