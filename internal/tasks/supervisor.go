// Package tasks supervises background work: cron-scheduled sweeps and
// bounded fire-and-forget jobs spawned off request hot paths. Nothing run
// here may hold request-scoped resources.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// spawnQueueSize bounds pending fire-and-forget jobs; overflow is dropped
// with a log line rather than blocking a request.
const spawnQueueSize = 256

type job struct {
	name string
	fn   func(context.Context)
}

// Supervisor owns the background scheduler and worker pool.
type Supervisor struct {
	cron   *cron.Cron
	queue  chan job
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a stopped supervisor. Schedules run in loc.
func NewSupervisor(loc *time.Location, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cron:   cron.New(cron.WithLocation(loc)),
		queue:  make(chan job, spawnQueueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule registers fn under a cron spec (e.g. "@hourly", "0 2 * * *").
func (s *Supervisor) Schedule(spec, name string, fn func(context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		fn(s.ctx)
		s.logger.Debug("scheduled task done", "task", name, "duration", time.Since(start))
	})
	return err
}

// Spawn queues a one-off background job. Drops when the queue is full.
func (s *Supervisor) Spawn(name string, fn func(context.Context)) {
	select {
	case s.queue <- job{name: name, fn: fn}:
	default:
		s.logger.Warn("background queue full, dropping job", "task", name)
	}
}

// Start launches the worker pool and the cron scheduler.
func (s *Supervisor) Start(workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.cron.Start()
	s.logger.Info("task supervisor started", "workers", workers)
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			j.fn(s.ctx)
		}
	}
}

// Stop halts the scheduler, cancels running jobs and waits for the workers.
func (s *Supervisor) Stop() {
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("task supervisor stopped")
}
