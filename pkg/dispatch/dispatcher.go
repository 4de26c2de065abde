package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/codethecodeman/cannolikit/internal/log"
	"github.com/codethecodeman/cannolikit/internal/metrics"
	"github.com/codethecodeman/cannolikit/pkg/queue"
	"github.com/codethecodeman/cannolikit/pkg/session"
	"github.com/codethecodeman/cannolikit/pkg/turn"
	"github.com/codethecodeman/cannolikit/pkg/worker"
)

// Transport is the external collaborator that delivered the event. The
// framework only ever asks it to acknowledge receipt or to show generic
// fallback content.
type Transport interface {
	// Acknowledge tells the transport to ack the event before the
	// handler runs. Called only for deferred routes.
	Acknowledge(ctx context.Context, event any) error
	// ShowExpired asks the transport to present a generic
	// "expired, please retry" response for the event.
	ShowExpired(ctx context.Context, event any) error
}

// ErrNotARoute is returned by Dispatch for identifiers that do not have
// the shape of a framework-issued callback id. Callers treat it as
// "not ours", not as a failure.
var ErrNotARoute = errors.New("dispatch: identifier is not a framework route")

// ErrIntegrity marks a data-integrity fault: a route exists but its
// owning session is gone.
var ErrIntegrity = errors.New("dispatch: route references a missing session")

// ErrUnknownHandler is the fault recorded when a persisted route names a
// handler key that was never registered.
var ErrUnknownHandler = errors.New("dispatch: no handler registered for route")

// JobTypeInteraction is the worker job type dispatched events run under.
const JobTypeInteraction = "dispatch.interaction"

// interaction is the job payload for one inbound event. The turn ticket
// is claimed at dispatch time, in arrival order, so two events for one
// session can never invert their order racing inside the pool.
type interaction struct {
	routeID string
	event   any
	ticket  *turn.Ticket
}

// Dispatcher implements the resolve-and-invoke protocol. One inbound
// event moves Received → Resolved → [Ordered] → Invoked → Persisted, or
// terminates early as Unresolved (expired) or Faulted.
type Dispatcher struct {
	backend   session.Backend
	registry  *Registry
	turns     *turn.Manager
	pool      *worker.Pool
	transport Transport
	logger    zerolog.Logger
}

// New wires a dispatcher and registers its job handler on the pool.
func New(backend session.Backend, registry *Registry, turns *turn.Manager, pool *worker.Pool, transport Transport) *Dispatcher {
	d := &Dispatcher{
		backend:   backend,
		registry:  registry,
		turns:     turns,
		pool:      pool,
		transport: transport,
		logger:    log.WithComponent("dispatch"),
	}
	pool.Register(JobTypeInteraction, d.runInteraction)
	return d
}

// Dispatch accepts an opaque callback identifier and its event. Ids that
// are not framework-shaped return ErrNotARoute. Unknown (expired or
// consumed) ids get the transport's expired response and return nil;
// that outcome is normal, not an error. Known routes are acknowledged if
// deferred and enqueued for execution; non-deferred routes ride the High
// tier so an un-acknowledged interaction never waits behind backlog.
func (d *Dispatcher) Dispatch(ctx context.Context, opaqueID string, event any) error {
	if !session.ValidRouteID(opaqueID) {
		metrics.RouteResolution("invalid")
		return ErrNotARoute
	}

	route, err := d.peek(ctx, opaqueID)
	if err != nil {
		if errors.Is(err, session.ErrRouteNotFound) {
			metrics.RouteResolution("expired")
			d.logger.Debug().Str(log.FieldRouteID, opaqueID).Msg("route expired or consumed")
			return d.transport.ShowExpired(ctx, event)
		}
		return fmt.Errorf("resolve route: %w", err)
	}
	metrics.RouteResolution("resolved")

	if route.Deferred {
		if err := d.transport.Acknowledge(ctx, event); err != nil {
			return fmt.Errorf("acknowledge event: %w", err)
		}
	}

	priority := queue.High
	if route.Deferred {
		priority = queue.Normal
	}

	var ticket *turn.Ticket
	job := worker.Job{
		Type:    JobTypeInteraction,
		Payload: &interaction{routeID: opaqueID, event: event},
	}
	if route.Synchronous {
		ticket = d.turns.Acquire(route.SessionID)
		job.Payload.(*interaction).ticket = ticket
		// The wait for the session turn happens in the gate, before
		// the job takes a pool permit. Waiting with a permit held
		// deadlocks a serial pool when the predecessor sits in the
		// lower tier: the successor holds the only permit while the
		// predecessor needs it to run.
		job.Gate = func(ctx context.Context) error {
			waitStart := time.Now()
			if err := ticket.Wait(ctx); err != nil {
				d.turns.Release(ticket)
				return fmt.Errorf("wait for session turn: %w", err)
			}
			metrics.ObserveTurnWait(time.Since(waitStart))
			return nil
		}
	}

	err = d.pool.Enqueue(job, priority)
	if err != nil {
		if ticket != nil {
			d.turns.Release(ticket)
		}
		return fmt.Errorf("enqueue interaction: %w", err)
	}
	return nil
}

// peek resolves a route in a read-only transaction.
func (d *Dispatcher) peek(ctx context.Context, routeID string) (*session.Route, error) {
	tx, err := d.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	return tx.GetRoute(ctx, routeID)
}

// runInteraction is the pool handler for one enqueued event. The pool
// owns the unit of work; returning an error rolls it back and records
// the fault.
func (d *Dispatcher) runInteraction(ctx context.Context, unit *session.Unit, job worker.Job) error {
	in, ok := job.Payload.(*interaction)
	if !ok {
		return fmt.Errorf("dispatch: unexpected payload %T", job.Payload)
	}
	if in.ticket != nil {
		// The turn was already waited out by the job's gate. It must
		// be released on every exit path; a missed release deadlocks
		// the session permanently. Release is idempotent, so the
		// gate's own release on a failed wait is safe.
		defer d.turns.Release(in.ticket)
	}

	// Resolve again inside the transaction; the route may have been
	// purged by a re-render between enqueue and execution. That is the
	// benign expired outcome, not a fault.
	route, err := unit.Resolve(ctx, in.routeID)
	if err != nil {
		if errors.Is(err, session.ErrRouteNotFound) {
			metrics.RouteResolution("expired")
			return d.showExpired(ctx, in.event)
		}
		return fmt.Errorf("resolve route: %w", err)
	}

	if err := d.invoke(ctx, unit, route, in.event); err != nil {
		return err
	}
	// Commit before the turn release so the successor for this session
	// observes the persisted state, never a pre-commit snapshot.
	return unit.Commit(ctx)
}

func (d *Dispatcher) invoke(ctx context.Context, unit *session.Unit, route *session.Route, event any) error {
	state, err := unit.Session(ctx, route.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// The route exists but its session is gone: a
			// data-integrity fault, distinct from an expired route.
			return fmt.Errorf("%w: route %s session %s", ErrIntegrity, route.ID, route.SessionID)
		}
		return fmt.Errorf("load session: %w", err)
	}

	// Purge-before-invoke: one-shot callbacks from the previous render
	// die before the handler renders new ones.
	if err := unit.PurgeEphemeral(ctx, route.SessionID); err != nil {
		return fmt.Errorf("purge ephemeral routes: %w", err)
	}
	if route.SessionIDToDelete != "" && route.SessionIDToDelete != route.SessionID {
		if err := unit.DeleteSession(ctx, route.SessionIDToDelete); err != nil {
			return fmt.Errorf("delete superseded session: %w", err)
		}
	}

	handler, ok := d.registry.Resolve(route.HandlerType, route.HandlerMethod)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, route.HandlerKey())
	}

	if err := handler(ctx, &Invocation{
		Event: event,
		Route: route,
		State: state,
		Unit:  unit,
	}); err != nil {
		return fmt.Errorf("handler %s: %w", route.HandlerKey(), err)
	}

	// Stage the handler's session mutation; it commits together with
	// any routes the handler created.
	return unit.SaveSession(state)
}

func (d *Dispatcher) showExpired(ctx context.Context, event any) error {
	if err := d.transport.ShowExpired(ctx, event); err != nil {
		return fmt.Errorf("show expired response: %w", err)
	}
	return nil
}
