package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/observability"
	"go.uber.org/zap"
)

const defaultAutoRunInterval = 30 * time.Second

// Executor is the part of CallbackService the AutoRunner drives.
type Executor interface {
	Busy() bool
	Due() []domain.CallbackRequest
	Execute(ctx context.Context, id string) (domain.CallbackRequest, error)
}

// AutoRunner executes the head of the due list on a fixed interval.
// A tick that finds the executor busy is dropped, never queued.
type AutoRunner struct {
	executor Executor
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewAutoRunner(executor Executor, interval time.Duration, logger *zap.Logger) (*AutoRunner, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if interval <= 0 {
		interval = defaultAutoRunInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AutoRunner{
		executor: executor,
		interval: interval,
		logger:   logger,
	}, nil
}

func (r *AutoRunner) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Start launches the loop in the background. Calling it while running is a no-op.
func (r *AutoRunner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.running = true

	go r.loop(loopCtx, done)
	r.logger.Info("auto-runner started", zap.Duration("interval", r.interval))
}

// Stop halts the loop and waits for an in-flight tick to return.
func (r *AutoRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("auto-runner stopped")
}

func (r *AutoRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *AutoRunner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *AutoRunner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if r.executor.Busy() {
		r.metrics.IncAutoRunnerTick("dropped")
		return
	}

	due := r.executor.Due()
	if len(due) == 0 {
		r.metrics.IncAutoRunnerTick("idle")
		return
	}

	head := due[0]
	rec, err := r.executor.Execute(ctx, head.ID)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrency) {
			r.metrics.IncAutoRunnerTick("dropped")
			return
		}
		r.metrics.IncAutoRunnerTick("error")
		r.logger.Warn("auto-runner execute failed", zap.String("callbackId", head.ID), zap.Error(err))
		return
	}

	r.metrics.IncAutoRunnerTick("executed")
	r.logger.Debug("auto-runner executed callback",
		zap.String("callbackId", rec.ID),
		zap.String("status", rec.Status.String()),
	)
}
