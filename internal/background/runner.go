// Package background runs the periodic licensing maintenance: proactive token
// refresh, license sync, cache warming and addon refresh. Failures are logged
// and retried on the next tick; they never reach user-facing requests.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runnable is a long-lived loop that stops when its context is cancelled.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error { return f(ctx) }

// Job is a task executed every Interval.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Timeout    time.Duration
	Fn         func(ctx context.Context) error
}

type service struct {
	name string
	r    Runnable
}

// Runner supervises jobs and services under one errgroup.
type Runner struct {
	logger  zerolog.Logger
	metrics *metrics.LicensingMetrics

	mu       sync.Mutex
	jobs     map[string]Job
	order    []string
	services []service
	lastRun  map[string]RunStatus
	running  bool
}

// RunStatus is the outcome of a job's most recent execution.
type RunStatus struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// NewRunner creates an empty runner.
func NewRunner(logger zerolog.Logger, m *metrics.LicensingMetrics) *Runner {
	return &Runner{
		logger:  logger,
		metrics: m,
		jobs:    make(map[string]Job),
		lastRun: make(map[string]RunStatus),
	}
}

// AddJob registers a periodic job. Jobs with a non-positive interval or a
// duplicate name are rejected.
func (r *Runner) AddJob(j Job) error {
	if j.Name == "" || j.Fn == nil {
		return fmt.Errorf("job requires a name and a function")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("job %s: runner already started", j.Name)
	}
	if _, dup := r.jobs[j.Name]; dup {
		return fmt.Errorf("job %s already registered", j.Name)
	}
	r.jobs[j.Name] = j
	r.order = append(r.order, j.Name)
	return nil
}

// AddService registers a long-lived loop.
func (r *Runner) AddService(name string, s Runnable) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.services = append(r.services, service{name: name, r: s})
	r.mu.Unlock()
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.running = true
	jobs := make([]Job, 0, len(r.order))
	for _, name := range r.order {
		jobs = append(jobs, r.jobs[name])
	}
	services := append([]service(nil), r.services...)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range services {
		g.Go(func() error {
			if err := s.r.Run(gctx); err != nil && gctx.Err() == nil {
				r.logger.Error().Err(err).Str("service", s.name).Msg("Background service stopped")
			}
			return nil
		})
	}
	for _, j := range jobs {
		g.Go(func() error {
			r.loop(gctx, j)
			return nil
		})
	}

	r.logger.Info().Int("jobs", len(jobs)).Int("services", len(services)).Msg("Background runner started")
	err := g.Wait()
	r.logger.Info().Msg("Background runner stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, j Job) {
	if j.RunOnStart {
		r.execute(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.execute(ctx, j)
		}
	}
}

// RunNow executes the named job once, synchronously.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j Job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	runCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, p)
		}
		status := RunStatus{At: start, Duration: time.Since(start)}
		if err != nil {
			status.Error = err.Error()
			r.logger.Warn().Err(err).Str("job", j.Name).Msg("Background job failed, will retry next tick")
		} else {
			r.logger.Debug().Str("job", j.Name).Dur("duration", status.Duration).Msg("Background job completed")
		}
		if r.metrics != nil {
			r.metrics.RecordBackgroundRun(j.Name, err)
		}
		r.mu.Lock()
		r.lastRun[j.Name] = status
		r.mu.Unlock()
	}()

	return j.Fn(runCtx)
}

// Status returns the most recent outcome of every job that has run.
func (r *Runner) Status() map[string]RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RunStatus, len(r.lastRun))
	for k, v := range r.lastRun {
		out[k] = v
	}
	return out
}
