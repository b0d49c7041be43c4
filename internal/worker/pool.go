package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for a polling pool.
const (
	DefaultTaskTimeout   = 76 * time.Second
	DefaultCycleInterval = 2 * time.Second
	// FallbackCount is used when the agent count cannot be determined.
	FallbackCount = 18
)

// WorkerCount sizes a pool from the number of agents: five workers per
// agent, never fewer than two. A failed character load yields FallbackCount.
func WorkerCount(agents int, loadErr error) int {
	if loadErr != nil {
		return FallbackCount
	}
	return max(2, agents*5)
}

// Task claims and processes at most one job. It returns 1 when a job was
// handled and 0 when there was nothing to claim.
type Task func(ctx context.Context) (int, error)

// Status is the outcome of one task in a cycle.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// TaskResult reports one task of a cycle.
type TaskResult struct {
	Index    int
	Status   Status
	Err      error
	Duration time.Duration
}

// Config sizes and paces a Pool.
type Config struct {
	Size        int
	TaskTimeout time.Duration
	Interval    time.Duration
}

// Pool runs cycles of concurrent claim-and-process tasks. A slot semaphore
// bounds every running task, including stragglers that outlived their
// timeout.
type Pool struct {
	name     string
	task     Task
	size     int
	timeout  time.Duration
	interval time.Duration
	slots    chan struct{}
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewPool creates a pool running task.
func NewPool(name string, task Task, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCycleInterval
	}
	return &Pool{
		name:     name,
		task:     task,
		size:     cfg.Size,
		timeout:  cfg.TaskTimeout,
		interval: cfg.Interval,
		slots:    make(chan struct{}, cfg.Size),
		logger:   logger.With(zap.String("pool", name)),
	}
}

// acquire takes a slot for task i. If none frees up within one task
// timeout, every slot is held by a task ignoring its deadline; that is
// logged once and the wait continues until ctx ends.
func (p *Pool) acquire(ctx context.Context, i int) error {
	stall := time.NewTimer(p.timeout)
	defer stall.Stop()
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stall.C:
		p.logger.Warn("pool stalled, no free slot",
			zap.Int("task", i), zap.Int("size", p.size), zap.Duration("waited", p.timeout))
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of tasks launched per cycle.
func (p *Pool) Size() int { return p.size }

type outcome struct {
	n   int
	err error
}

// RunCycle launches Size tasks and waits for each in submission order. A
// task that has not answered by its deadline is reported as timed out and
// left to finish on its own; its failure never affects its siblings.
// Cancelling ctx stops launching but lets launched tasks run to their
// timeout.
func (p *Pool) RunCycle(ctx context.Context) []TaskResult {
	type launched struct {
		done     chan outcome
		start    time.Time
		deadline time.Time
	}
	runs := make([]*launched, p.size)
	results := make([]TaskResult, p.size)

	for i := 0; i < p.size; i++ {
		if err := p.acquire(ctx, i); err != nil {
			results[i] = TaskResult{Index: i, Status: StatusSkipped, Err: err}
			continue
		}

		start := time.Now()
		l := &launched{done: make(chan outcome, 1), start: start, deadline: start.Add(p.timeout)}
		runs[i] = l

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer func() { <-p.slots }()
			defer cancel()
			l.done <- p.safeRun(tctx)
		}()
	}

	for i, l := range runs {
		if l == nil {
			continue
		}
		timer := time.NewTimer(time.Until(l.deadline))
		select {
		case o := <-l.done:
			results[i] = classify(i, o, time.Since(l.start))
		case <-timer.C:
			results[i] = TaskResult{Index: i, Status: StatusTimeout, Err: context.DeadlineExceeded, Duration: time.Since(l.start)}
		}
		timer.Stop()
		p.report(results[i])
	}
	return results
}

// safeRun turns a panicking task into an error so one bad job cannot take
// the process down.
func (p *Pool) safeRun(ctx context.Context) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: &PanicError{Value: r}}
		}
	}()
	n, err := p.task(ctx)
	return outcome{n: n, err: err}
}

// PanicError wraps a recovered task panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "task panicked"
}

func classify(i int, o outcome, d time.Duration) TaskResult {
	r := TaskResult{Index: i, Err: o.err, Duration: d}
	switch {
	case o.err == nil && o.n > 0:
		r.Status = StatusDone
	case o.err == nil:
		r.Status = StatusIdle
	case errors.Is(o.err, context.DeadlineExceeded):
		r.Status = StatusTimeout
	default:
		r.Status = StatusFailed
	}
	return r
}

func (p *Pool) report(r TaskResult) {
	switch r.Status {
	case StatusTimeout:
		p.logger.Warn("Task timed out", zap.Int("task", r.Index), zap.Duration("after", r.Duration))
	case StatusFailed:
		fields := []zap.Field{zap.Int("task", r.Index), zap.Duration("after", r.Duration), zap.Error(r.Err)}
		var pe *PanicError
		if errors.As(r.Err, &pe) {
			fields = append(fields, zap.Any("panic", pe.Value))
		}
		p.logger.Error("Task failed", fields...)
	case StatusDone:
		p.logger.Debug("Task processed a job", zap.Int("task", r.Index), zap.Duration("took", r.Duration))
	}
}

// Run repeats cycles, sleeping Interval between them, until ctx is done.
// It returns after every launched task has finished or been abandoned at
// its timeout.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Worker pool started",
		zap.Int("size", p.size), zap.Duration("task_timeout", p.timeout), zap.Duration("interval", p.interval))
	defer p.logger.Info("Worker pool stopped")

	for {
		results := p.RunCycle(ctx)
		if n := countStatus(results, StatusDone); n > 0 {
			p.logger.Info("Cycle finished", zap.Int("processed", n),
				zap.Int("failed", countStatus(results, StatusFailed)),
				zap.Int("timed_out", countStatus(results, StatusTimeout)))
		}

		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-time.After(p.interval):
		}
	}
}

// drain waits for in-flight tasks, giving up after one task timeout.
func (p *Pool) drain() {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.timeout):
		p.logger.Warn("Abandoning stuck tasks at shutdown")
	}
}

func countStatus(results []TaskResult, s Status) int {
	n := 0
	for _, r := range results {
		if r.Status == s {
			n++
		}
	}
	return n
}
