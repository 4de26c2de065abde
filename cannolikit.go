// Package cannolikit is a session-scoped job dispatch and persistent
// routing engine. Interactive surfaces hand it opaque callback ids;
// the kit resolves them to persisted routes, orders same-session work,
// runs handlers inside transactional units of work, and expires stale
// state in the background.
package cannolikit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codethecodeman/cannolikit/internal/log"
	"github.com/codethecodeman/cannolikit/internal/metrics"
	"github.com/codethecodeman/cannolikit/pkg/config"
	"github.com/codethecodeman/cannolikit/pkg/dispatch"
	"github.com/codethecodeman/cannolikit/pkg/queue"
	"github.com/codethecodeman/cannolikit/pkg/session"
	"github.com/codethecodeman/cannolikit/pkg/turn"
	"github.com/codethecodeman/cannolikit/pkg/worker"
)

// Job type names for the kit's background maintenance work.
const (
	JobTypeCleanup   = "maintenance.cleanup"
	JobTypeTurnSweep = "maintenance.turnsweep"
)

// turnSweepInterval bounds how long released turn entries linger in the
// turn table before the sweep job reclaims them.
const turnSweepInterval = time.Minute

// Kit is the assembled engine: session store, turn manager, worker
// pools, and the dispatch protocol, wired from one configuration.
// Construct with New or NewWithBackend, register handlers, then Start.
type Kit struct {
	cfg       *config.Config
	backend   session.Backend
	ownsStore bool

	registry    *dispatch.Registry
	turns       *turn.Manager
	pool        *worker.Pool
	maintenance *worker.Pool
	dispatcher  *dispatch.Dispatcher
	sessions    *session.Manager
	cleaner     *session.Cleaner
	logger      zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a kit, opening the store backend the configuration
// selects. The kit owns the backend and closes it at Stop.
func New(cfg *config.Config, transport dispatch.Transport) (*Kit, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	backend, err := cfg.OpenBackend()
	if err != nil {
		return nil, fmt.Errorf("open store backend: %w", err)
	}

	k := assemble(cfg, backend, transport)
	k.ownsStore = true
	return k, nil
}

// NewWithBackend builds a kit over a caller-owned backend. The caller
// keeps responsibility for closing it.
func NewWithBackend(cfg *config.Config, backend session.Backend, transport dispatch.Transport) (*Kit, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return assemble(cfg, backend, transport), nil
}

func assemble(cfg *config.Config, backend session.Backend, transport dispatch.Transport) *Kit {
	log.Configure(cfg.Logging.LogConfig())
	metrics.Init()

	k := &Kit{
		cfg:      cfg,
		backend:  backend,
		registry: dispatch.NewRegistry(),
		turns:    turn.NewManager(),
		sessions: session.NewManager(backend),
		cleaner:  session.NewCleaner(backend),
		logger:   log.WithComponent("kit"),
	}
	k.pool = worker.NewPool("dispatch", cfg.Workers.MaxConcurrency, backend)
	// Maintenance runs strictly serial so cleanup passes never overlap.
	k.maintenance = worker.NewPool("maintenance", 1, backend)
	k.dispatcher = dispatch.New(backend, k.registry, k.turns, k.pool, transport)

	k.maintenance.Register(JobTypeCleanup, func(ctx context.Context, _ *session.Unit, _ worker.Job) error {
		return k.cleaner.Run(ctx)
	})
	k.maintenance.Register(JobTypeTurnSweep, func(_ context.Context, _ *session.Unit, _ worker.Job) error {
		k.turns.Sweep()
		return nil
	})
	return k
}

// Registry exposes the handler registry. Register every handler before
// the first event arrives.
func (k *Kit) Registry() *dispatch.Registry {
	return k.registry
}

// Sessions exposes session lifecycle primitives for code running
// outside a dispatch, such as a command creating its first session.
func (k *Kit) Sessions() *session.Manager {
	return k.sessions
}

// Start launches the worker pools and schedules background maintenance.
// The interaction pool comes up paused: events dispatched before the
// transport is ready are queued, not run. Call Resume once the transport
// signals readiness.
func (k *Kit) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("kit already started")
	}
	k.started = true

	k.pool.Pause()
	k.pool.Start(ctx)
	k.maintenance.Start(ctx)

	if !k.cfg.Cleanup.Disabled {
		// Immediate first pass so state left over from a previous run
		// does not linger a full interval.
		if err := k.maintenance.ScheduleRepeating(k.cfg.Cleanup.Interval.Std(), worker.Job{Type: JobTypeCleanup}, true); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
	}
	if err := k.maintenance.ScheduleRepeating(turnSweepInterval, worker.Job{Type: JobTypeTurnSweep}, false); err != nil {
		return fmt.Errorf("schedule turn sweep: %w", err)
	}

	k.logger.Info().
		Int("workers", k.cfg.Workers.MaxConcurrency).
		Str("store", k.cfg.Store.Driver).
		Msg("kit started")
	return nil
}

// Dispatch routes one inbound event by its opaque callback id. See
// dispatch.Dispatcher.Dispatch for the outcome contract.
func (k *Kit) Dispatch(ctx context.Context, opaqueID string, event any) error {
	return k.dispatcher.Dispatch(ctx, opaqueID, event)
}

// RegisterJob binds a handler for application-defined job types
// enqueued through Enqueue or ScheduleRepeating.
func (k *Kit) RegisterJob(jobType string, h worker.Handler) {
	k.pool.Register(jobType, h)
}

// Enqueue submits a job to the interaction pool.
func (k *Kit) Enqueue(job worker.Job, priority queue.Priority) error {
	return k.pool.Enqueue(job, priority)
}

// ScheduleRepeating enqueues the job now (when runNow is set) and then
// on every interval tick until Stop.
func (k *Kit) ScheduleRepeating(interval time.Duration, job worker.Job, runNow bool) error {
	return k.pool.ScheduleRepeating(interval, job, runNow)
}

// Pause suspends job starts on the interaction pool; queued and
// in-flight work is retained.
func (k *Kit) Pause() {
	k.pool.Pause()
}

// Resume lets the interaction pool pull jobs. Call it once the transport
// is ready to receive handler output; Start leaves the pool paused.
func (k *Kit) Resume() {
	k.pool.Resume()
}

// Stats reports interaction pool queue depths.
func (k *Kit) Stats() worker.Stats {
	return k.pool.Stats()
}

// CreateRoute persists a route outside any dispatch, for first renders
// that must mint callback ids before an event ever arrives. Runs in its
// own transaction.
func (k *Kit) CreateRoute(ctx context.Context, spec session.RouteSpec) (*session.Route, error) {
	tx, err := k.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	unit := session.NewUnit(tx)
	r, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		_ = unit.Rollback()
		return nil, err
	}
	if err := unit.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// MetricsHandler returns the HTTP handler exposing the kit's Prometheus
// metrics, for mounting on the host application's mux.
func (k *Kit) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Stop drains both pools and, when the kit owns the backend, closes it.
// The context bounds how long to wait for in-flight work.
func (k *Kit) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return nil
	}
	k.stopped = true
	k.mu.Unlock()

	var firstErr error
	if err := k.pool.Stop(ctx); err != nil {
		firstErr = fmt.Errorf("stop dispatch pool: %w", err)
	}
	if err := k.maintenance.Stop(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop maintenance pool: %w", err)
	}
	if k.ownsStore {
		if err := k.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store backend: %w", err)
		}
	}

	k.logger.Info().Msg("kit stopped")
	return firstErr
}
