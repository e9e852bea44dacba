// Package scheduler runs named jobs at or after a requested time, at least once.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
)

// Handler processes one job's arguments. A returned error makes the job eligible for retry.
type Handler func(ctx context.Context, args json.RawMessage) error

// Scheduler enqueues delayed jobs and dispatches them to registered handlers.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, name string, args json.RawMessage) (string, error)
	OnFire(name string, h Handler)
	// Run dispatches due jobs until ctx is cancelled.
	Run(ctx context.Context) error
}

// Job is the persisted form of a scheduled call.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	RunAt      time.Time       `json:"run_at"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Options tunes dispatch behaviour shared by all backends.
type Options struct {
	Workers     int
	Poll        time.Duration
	Lease       time.Duration
	Retry       time.Duration
	MaxAttempts int
	JobTimeout  time.Duration
	Ledger      storage.JobLedger
	Log         logger.Logger
	Metrics     *metrics.Metrics
}

func (o Options) normalized() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Poll <= 0 {
		o.Poll = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.Retry <= 0 {
		o.Retry = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = o.Lease
	}
	if o.Log == nil {
		o.Log = logger.NopLogger{}
	}
	return o
}

// ErrNoHandler is returned when a job fires with no handler registered.
var ErrNoHandler = errors.New("no handler registered")

// dispatcher holds handler registration and the execution path shared by backends.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	opts     Options
}

func newDispatcher(opts Options) *dispatcher {
	return &dispatcher{handlers: make(map[string]Handler), opts: opts}
}

func (d *dispatcher) OnFire(name string, h Handler) {
	if name == "" || h == nil {
		return
	}
	d.mu.Lock()
	d.handlers[name] = h
	d.mu.Unlock()
}

// execute runs the job's handler, skipping ids already recorded in the ledger.
func (d *dispatcher) execute(ctx context.Context, job Job) error {
	if d.opts.Ledger != nil {
		seen, err := d.opts.Ledger.Seen(job.ID)
		if err != nil {
			d.opts.Log.WarnObj("job ledger lookup failed", "job_meta", map[string]any{"job_id": job.ID, "error": err.Error()})
		} else if seen {
			d.opts.Log.DebugObj("duplicate job delivery skipped", "job_meta", map[string]any{"job_id": job.ID, "job": job.Name})
			d.opts.Metrics.JobExecuted(job.Name, "duplicate")
			return nil
		}
	}

	d.mu.RLock()
	h := d.handlers[job.Name]
	d.mu.RUnlock()
	if h == nil {
		d.opts.Metrics.JobExecuted(job.Name, "unhandled")
		return fmt.Errorf("%w for job %q", ErrNoHandler, job.Name)
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := h(jobCtx, job.Args); err != nil {
		d.opts.Metrics.JobExecuted(job.Name, "failed")
		d.opts.Log.ErrorObj("job failed", "job_meta", map[string]any{
			"job_id":   job.ID,
			"job":      job.Name,
			"attempts": job.Attempts,
			"error":    err.Error(),
		})
		return err
	}
	d.opts.Metrics.JobExecuted(job.Name, "ok")
	d.opts.Log.DebugObj("job completed", "job_meta", map[string]any{
		"job_id":     job.ID,
		"job":        job.Name,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	if d.opts.Ledger != nil {
		if err := d.opts.Ledger.Mark(job.ID); err != nil {
			d.opts.Log.WarnObj("job ledger mark failed", "job_meta", map[string]any{"job_id": job.ID, "error": err.Error()})
		}
	}
	return nil
}

func (d *dispatcher) abandon(job Job, err error) {
	d.opts.Metrics.JobExecuted(job.Name, "abandoned")
	d.opts.Log.ErrorObj("job abandoned after max attempts", "job_meta", map[string]any{
		"job_id":   job.ID,
		"job":      job.Name,
		"attempts": job.Attempts,
		"error":    err.Error(),
	})
}
