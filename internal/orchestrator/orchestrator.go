// Package orchestrator runs the pipeline's polling loops. One goroutine per
// stage drains that stage's backlog from the shared store; there is no
// process-to-process messaging, so a crashed worker loses nothing but its
// in-flight batch, which the next tick picks up again.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"regpipe/internal/platform/metrics"
)

// Stage is one pipeline stage's drain action. Tick processes at most one
// bounded batch and reports how many items it worked; zero means idle.
type Stage interface {
	Name() string
	Tick(ctx context.Context) (int, error)
}

// Orchestrator supervises the stage loops.
type Orchestrator struct {
	stages     []Stage
	logger     *slog.Logger
	metrics    *metrics.Metrics
	ratePerMin int
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics enables stage instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRatePerMinute caps each stage's tick rate independently of its idle
// backoff; downstream collaborators have per-minute quotas.
func WithRatePerMinute(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.ratePerMin = n
		}
	}
}

// WithBackoff sets the idle backoff window.
func WithBackoff(min, max time.Duration) Option {
	return func(o *Orchestrator) {
		if min > 0 && max >= min {
			o.minBackoff = min
			o.maxBackoff = max
		}
	}
}

// New wires an orchestrator over the given stages.
func New(stages []Stage, opts ...Option) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	o := &Orchestrator{
		stages:     stages,
		logger:     slog.Default(),
		ratePerMin: 60,
		minBackoff: time.Second,
		maxBackoff: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run drives all stage loops until ctx is cancelled. It returns the context
// error on shutdown; stage tick errors are logged and backed off, never
// fatal.
func (o *Orchestrator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, stage := range o.stages {
		group.Go(func() error {
			return o.drive(ctx, stage)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) drive(ctx context.Context, stage Stage) error {
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(o.ratePerMin)), 1)
	backoff := o.minBackoff
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		worked, err := stage.Tick(ctx)
		if o.metrics != nil {
			o.metrics.StageDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("stage tick failed", "stage", stage.Name(), "error", err)
		} else if worked > 0 {
			if o.metrics != nil {
				o.metrics.StageItems.WithLabelValues(stage.Name(), "advanced").Add(float64(worked))
			}
			// Work found: reset the window and drain eagerly.
			backoff = o.minBackoff
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = escalate(backoff, o.maxBackoff)
	}
}

func escalate(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
