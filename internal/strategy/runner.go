package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"mm-hedge-bot/internal/metrics"
)

const defaultPollInterval = time.Second

// Runner polls every strategy in turn from a single goroutine. A failing or
// panicking instance is logged and counted; the others keep running.
type Runner struct {
	entries  []*runnerEntry
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	paused   atomic.Bool
	cycles   atomic.Int64

	// AfterCycle, when set, runs once after every instance has been polled.
	AfterCycle func(ctx context.Context)
}

type runnerEntry struct {
	mu       sync.Mutex
	strategy Strategy
	failures int
	lastErr  error
}

type InstanceStatus struct {
	Name     string
	Failures int
	LastErr  error
}

func NewRunner(strategies []Strategy, interval time.Duration, log *zap.Logger, mt *metrics.Metrics) *Runner {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mt == nil {
		mt = metrics.NewNoop()
	}
	entries := make([]*runnerEntry, 0, len(strategies))
	for _, s := range strategies {
		entries = append(entries, &runnerEntry{strategy: s})
	}
	return &Runner{entries: entries, interval: interval, log: log, metrics: mt}
}

func (r *Runner) Pause()       { r.paused.Store(true) }
func (r *Runner) Resume()      { r.paused.Store(false) }
func (r *Runner) Paused() bool { return r.paused.Load() }

// Cycles is the number of completed polling passes.
func (r *Runner) Cycles() int64 {
	return r.cycles.Load()
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if !r.Paused() {
			r.RunOnce(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce polls each instance exactly once, in order.
func (r *Runner) RunOnce(ctx context.Context) {
	for _, entry := range r.entries {
		if ctx.Err() != nil {
			return
		}
		r.poll(ctx, entry)
	}
	r.cycles.Add(1)
	if r.AfterCycle != nil {
		r.AfterCycle(ctx)
	}
}

func (r *Runner) poll(ctx context.Context, entry *runnerEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var (
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		err = entry.strategy.PollOnce(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
		r.log.Error("strategy panic", zap.String("instance", entry.strategy.Name()), zap.Error(err), zap.ByteString("stack", recovered.Stack))
	}
	if err == nil {
		entry.lastErr = nil
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	entry.failures++
	entry.lastErr = err
	if errors.Is(err, ErrTradingFault) {
		r.log.Warn("cycle abandoned", zap.String("instance", entry.strategy.Name()), zap.Error(err))
		return
	}
	r.metrics.CycleFailures.Inc()
	r.log.Error("cycle failed", zap.String("instance", entry.strategy.Name()), zap.Error(err))
}

func (r *Runner) Status() []InstanceStatus {
	out := make([]InstanceStatus, 0, len(r.entries))
	for _, entry := range r.entries {
		entry.mu.Lock()
		out = append(out, InstanceStatus{Name: entry.strategy.Name(), Failures: entry.failures, LastErr: entry.lastErr})
		entry.mu.Unlock()
	}
	return out
}

// ResetAll clears the in-memory state of every instance.
func (r *Runner) ResetAll() {
	for _, entry := range r.entries {
		entry.mu.Lock()
		entry.strategy.Reset()
		entry.mu.Unlock()
	}
}

func (r *Runner) Strategies() []Strategy {
	out := make([]Strategy, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.strategy)
	}
	return out
}
