// Package worker runs jobs pulled from a priority queue under a bounded
// concurrency permit. Each job body executes inside its own storage
// transaction; a faulting job is rolled back, logged and dropped, never
// retried.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/codethecodeman/cannolikit/internal/log"
	"github.com/codethecodeman/cannolikit/internal/metrics"
	"github.com/codethecodeman/cannolikit/pkg/queue"
	"github.com/codethecodeman/cannolikit/pkg/session"
)

// Job is one unit of work. Payload carries whatever the registered
// handler for Type expects.
type Job struct {
	// ID correlates log lines for one execution; assigned at enqueue
	// when empty.
	ID string
	// Type selects the registered handler.
	Type string
	// Payload is handler-defined.
	Payload any
	// Gate, when set, is awaited before the job takes a concurrency
	// permit. A gated job consumes no pool capacity while it waits, so
	// it can block on work that needs the permits it is not holding. A
	// gate error is a fault; the body never runs.
	Gate func(ctx context.Context) error
}

// Handler executes a job body. The unit of work is committed when the
// handler returns nil and rolled back otherwise.
type Handler func(ctx context.Context, unit *session.Unit, job Job) error

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("worker: pool stopped")

// ErrUnknownJobType is the fault recorded when no handler is registered
// for a job's type.
var ErrUnknownJobType = errors.New("worker: no handler registered for job type")

// Pool owns a priority channel of jobs and a dispatch loop that executes
// them under a counting permit. MaxConcurrency = 1 yields a strictly
// serial processor.
type Pool struct {
	name    string
	backend session.Backend
	ch      *queue.Channel[Job]
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	paused   bool
	resume   chan struct{}
	started  bool
	stopped  bool

	cron   *cron.Cron
	cancel context.CancelFunc
	loopWG sync.WaitGroup // the dispatch loop itself
	jobWG  sync.WaitGroup // in-flight job bodies
}

// NewPool creates a pool. maxConcurrency values below 1 are treated as 1.
func NewPool(name string, maxConcurrency int, backend session.Backend) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	metrics.Init()
	return &Pool{
		name:     name,
		backend:  backend,
		ch:       queue.New[Job](),
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		logger:   log.WithComponent("worker").With().Str(log.FieldPool, name).Logger(),
		handlers: make(map[string]Handler),
		resume:   make(chan struct{}),
	}
}

// Register binds a handler to a job type. Registering the same type twice
// replaces the previous handler; registration is expected at startup,
// before Start.
func (p *Pool) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// Enqueue writes a job to the pool's channel. It never blocks.
func (p *Pool) Enqueue(job Job, priority queue.Priority) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := p.ch.Write(job, priority); err != nil {
		return ErrStopped
	}
	high, normal := p.ch.Len()
	metrics.SetQueueDepth(p.name, high, normal)
	return nil
}

// ScheduleRepeating re-enqueues job every interval. When runNow is set
// the job is additionally enqueued once immediately. Repeating
// registrations are independent; they share nothing but the pool's
// concurrency permit. The interval has a floor of one second.
func (p *Pool) ScheduleRepeating(interval time.Duration, job Job, runNow bool) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.cron == nil {
		p.cron = cron.New()
		if p.started {
			p.cron.Start()
		}
	}
	c := p.cron
	p.mu.Unlock()

	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		_ = p.Enqueue(job, queue.Normal)
	}))

	if runNow {
		return p.Enqueue(job, queue.Normal)
	}
	return nil
}

// Start launches the dispatch loop. Jobs enqueued before Start are kept
// and processed once the loop runs.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	if p.cron != nil {
		p.cron.Start()
	}
	p.mu.Unlock()

	p.loopWG.Add(1)
	go p.dispatchLoop(loopCtx)
}

// Pause makes the dispatch loop stop pulling jobs. Already-running job
// bodies continue; enqueued jobs are retained.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
	}
}

// Resume lets a paused dispatch loop pull jobs again.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resume)
	}
}

// Stop closes the queue, waits for the loop to drain every queued job and
// for in-flight job bodies to finish, and stops repeating schedules. A
// paused pool is resumed so its backlog drains. Stop returns the context
// error if ctx expires first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	c := p.cron
	p.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	p.ch.Close()
	p.Resume()

	done := make(chan struct{})
	go func() {
		p.loopWG.Wait()
		p.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stats is a snapshot of pool utilization.
type Stats struct {
	Name         string `json:"name"`
	QueuedHigh   int    `json:"queuedHigh"`
	QueuedNormal int    `json:"queuedNormal"`
	Paused       bool   `json:"paused"`
}

// Stats reports current queue depth and pause state.
func (p *Pool) Stats() Stats {
	high, normal := p.ch.Len()
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	return Stats{Name: p.name, QueuedHigh: high, QueuedNormal: normal, Paused: paused}
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.loopWG.Done()

	for {
		if err := p.waitResumed(ctx); err != nil {
			return
		}

		job, err := p.ch.Read(ctx)
		if err != nil {
			// ErrClosed after drain, or context cancelled.
			return
		}
		high, normal := p.ch.Len()
		metrics.SetQueueDepth(p.name, high, normal)

		// A gated job waits out its gate off to the side, without a
		// permit and without stalling the loop. Ungated jobs acquire
		// in loop order so queue priority maps to run order.
		if job.Gate != nil {
			p.jobWG.Add(1)
			go p.admit(ctx, job)
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Shutdown race: the job was read but cannot run. Execute it
			// inline so Stop never drops a queued job.
			p.jobWG.Add(1)
			p.runJob(context.WithoutCancel(ctx), job)
			return
		}

		p.jobWG.Add(1)
		go func(job Job) {
			defer p.sem.Release(1)
			p.runJob(ctx, job)
		}(job)
	}
}

// admit waits out the job's gate, then takes a permit and runs the body.
// The permit is acquired only after the gate opens, so a gated job cannot
// starve the predecessor it is waiting on out of the pool.
func (p *Pool) admit(ctx context.Context, job Job) {
	if err := job.Gate(ctx); err != nil {
		defer p.jobWG.Done()
		p.logger.Error().
			Err(err).
			Str(log.FieldJobType, job.Type).
			Str(log.FieldJobID, job.ID).
			Msg("job gate failed")
		metrics.JobCompleted(p.name, job.Type, "fault", 0)
		return
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Same shutdown race as the ungated path.
		p.runJob(context.WithoutCancel(ctx), job)
		return
	}
	defer p.sem.Release(1)
	p.runJob(ctx, job)
}

func (p *Pool) waitResumed(ctx context.Context) error {
	for {
		p.mu.Lock()
		paused := p.paused
		resume := p.resume
		p.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runJob executes one job body inside its own unit of work. The permit,
// if held, is released by the caller; the jobWG entry is released here.
func (p *Pool) runJob(ctx context.Context, job Job) {
	defer p.jobWG.Done()

	metrics.JobStarted(p.name)
	defer metrics.JobFinished(p.name)

	ctx = log.ContextWithJobID(ctx, job.ID)
	started := time.Now()

	err := p.execute(ctx, job)

	outcome := "ok"
	if err != nil {
		outcome = "fault"
		// The fault is logged exactly once, here, with the job's type
		// and correlating id. The job is dropped: retrying a
		// side-effecting interaction handler without idempotency keys
		// risks duplicate user-visible actions.
		p.logger.Error().
			Err(err).
			Str(log.FieldJobType, job.Type).
			Str(log.FieldJobID, job.ID).
			Msg("job faulted")
	}
	metrics.JobCompleted(p.name, job.Type, outcome, time.Since(started))
}

func (p *Pool) execute(ctx context.Context, job Job) (err error) {
	p.mu.Lock()
	h, ok := p.handlers[job.Type]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}

	// Lazy so a job that blocks on an ordering lock before touching
	// storage does not pin a backend connection while it waits.
	unit := session.NewLazyUnit(p.backend)

	defer func() {
		if r := recover(); r != nil {
			_ = unit.Rollback()
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	if err := h(ctx, unit, job); err != nil {
		_ = unit.Rollback()
		return err
	}
	// A handler may commit the unit itself when it must persist before
	// dropping an ordering lock. An already-finished unit is left alone.
	if unit.Done() {
		return nil
	}
	if err := unit.Commit(ctx); err != nil {
		return err
	}
	return nil
}
