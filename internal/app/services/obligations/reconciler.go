// Package obligations implements the obligation reconciler: a
// periodic scanner that materializes node duties (run a DHT VM, run a relay
// VM, assign a relay to a CGNAT node) and dispatches typed handlers with
// retry/backoff.
package obligations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// DefaultScanInterval is the reconciler tick cadence.
const DefaultScanInterval = 10 * time.Second

// DefaultMaxAttempts caps retries before an obligation is failed terminally.
const DefaultMaxAttempts = 10

// Backoff parameters for retry scheduling.
const (
	initialBackoff = 15 * time.Second
	maxBackoff     = 10 * time.Minute
)

// Result is a handler's verdict on one dispatch.
type Result struct {
	outcome string // "completed", "retry", "failed"
	reason  string
}

// Completed marks the obligation terminal-successful.
func Completed() Result { return Result{outcome: "completed"} }

// Retry schedules another attempt after backoff.
func Retry(reason string) Result { return Result{outcome: "retry", reason: reason} }

// Fail marks the obligation terminal-failed.
func Fail(reason string) Result { return Result{outcome: "failed", reason: reason} }

// Handler executes one obligation attempt. Handlers must be idempotent:
// the same obligation may be dispatched again after a crash mid-attempt.
type Handler interface {
	Handle(ctx context.Context, o obligation.Obligation) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, o obligation.Obligation) Result

func (f HandlerFunc) Handle(ctx context.Context, o obligation.Obligation) Result {
	if f == nil {
		return Fail("no handler")
	}
	return f(ctx, o)
}

var _ system.Service = (*Reconciler)(nil)

// Reconciler is the lifecycle-managed obligation scan loop.
type Reconciler struct {
	store       storage.ObligationStore
	log         *logger.Logger
	interval    time.Duration
	maxAttempts int

	mu       sync.Mutex
	handlers map[obligation.Type]Handler
	tracer   core.Tracer
	hooks    core.ObservationHooks
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// NewReconciler creates an obligation reconciler.
func NewReconciler(store storage.ObligationStore, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("obligations")
	}
	return &Reconciler{
		store:       store,
		log:         log,
		interval:    DefaultScanInterval,
		maxAttempts: DefaultMaxAttempts,
		handlers:    make(map[obligation.Type]Handler),
		tracer:      core.NoopTracer,
		hooks:       core.NoopObservationHooks,
	}
}

// WithTracer configures a tracer for dispatch spans.
func (r *Reconciler) WithTracer(tracer core.Tracer) *Reconciler {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	r.mu.Lock()
	r.tracer = tracer
	r.mu.Unlock()
	return r
}

// WithObservationHooks configures start/complete hooks fired around every
// handler dispatch.
func (r *Reconciler) WithObservationHooks(hooks core.ObservationHooks) *Reconciler {
	r.mu.Lock()
	r.hooks = hooks
	r.mu.Unlock()
	return r
}

// WithInterval overrides the scan cadence, primarily for tests.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Register installs the handler for an obligation type.
func (r *Reconciler) Register(typ obligation.Type, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Name returns the service identifier.
func (r *Reconciler) Name() string { return "obligation-reconciler" }

// Descriptor advertises the reconciler's architectural placement.
func (r *Reconciler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "obligation-reconciler",
		Domain:       "fleet",
		Layer:        core.LayerEngine,
		Capabilities: []string{"scan", "dispatch", "retry"},
	}
}

// Start begins the scan loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.Tick(runCtx)
			}
		}
	}()

	r.log.Info("obligation reconciler started")
	return nil
}

// Stop halts the scan loop.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Ensure creates an obligation for (type, resourceID) unless a live one
// (anything not terminal-failed re-creatable) already exists. Idempotent:
// callers may invoke it on every bootstrap pass.
func (r *Reconciler) Ensure(ctx context.Context, typ obligation.Type, resourceID string) (obligation.Obligation, error) {
	existing, ok, err := r.store.FindObligation(ctx, typ, resourceID)
	if err != nil {
		return obligation.Obligation{}, err
	}
	if ok && existing.State != obligation.StateFailed {
		return existing, nil
	}
	now := time.Now().UTC()
	o := obligation.Obligation{
		ID:            uuid.NewString(),
		Type:          typ,
		ResourceID:    resourceID,
		State:         obligation.StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o, err = r.store.CreateObligation(ctx, o)
	if err != nil {
		return obligation.Obligation{}, err
	}
	r.log.WithField("obligation_id", o.ID).
		WithField("type", string(typ)).
		WithField("resource_id", resourceID).
		Info("obligation created")
	return o, nil
}

// Satisfy marks the live obligation for (type, resourceID) completed, e.g.
// when a DHT VM is observed healthy through an independent signal.
func (r *Reconciler) Satisfy(ctx context.Context, typ obligation.Type, resourceID string) error {
	o, ok, err := r.store.FindObligation(ctx, typ, resourceID)
	if err != nil {
		return err
	}
	if !ok || o.Terminal() {
		return nil
	}
	o.State = obligation.StateCompleted
	o.UpdatedAt = time.Now().UTC()
	_, err = r.store.UpdateObligation(ctx, o)
	return err
}

// Tick runs one scan: every due obligation is moved InFlight, dispatched,
// and transitioned per the handler's result. Exported for tests.
func (r *Reconciler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := r.store.ListDueObligations(ctx, now)
	if err != nil {
		r.log.WithError(err).Warn("obligation scan failed")
		return
	}

	for _, o := range due {
		r.dispatch(ctx, o)
	}
}

func (r *Reconciler) dispatch(ctx context.Context, o obligation.Obligation) {
	r.mu.Lock()
	handler := r.handlers[o.Type]
	tracer := r.tracer
	hooks := r.hooks
	r.mu.Unlock()

	if handler == nil {
		r.log.WithField("type", string(o.Type)).Warn("no handler registered for obligation type")
		return
	}

	// InFlight is persisted before the handler runs so a concurrent scan
	// never double-dispatches the same (type, resourceId).
	o.State = obligation.StateInFlight
	o.UpdatedAt = time.Now().UTC()
	updated, err := r.store.UpdateObligation(ctx, o)
	if err != nil {
		r.log.WithError(err).WithField("obligation_id", o.ID).Warn("mark in-flight failed")
		return
	}
	o = updated

	meta := map[string]string{"obligation_id": o.ID, "type": string(o.Type), "resource_id": o.ResourceID}
	spanCtx, finishSpan := tracer.StartSpan(ctx, "obligations.dispatch", meta)
	finishObs := core.StartObservation(spanCtx, hooks, meta)

	result := handler.Handle(spanCtx, o)

	var handlerErr error
	if result.outcome != "completed" {
		handlerErr = fmt.Errorf("%s: %s", result.outcome, result.reason)
	}
	finishObs(handlerErr)
	finishSpan(handlerErr)
	metrics.RecordObligationDispatch(string(o.Type), result.outcome)

	now := time.Now().UTC()
	switch result.outcome {
	case "completed":
		o.State = obligation.StateCompleted
		o.LastError = ""
	case "retry":
		o.Attempts++
		o.LastError = result.reason
		if o.Attempts >= r.maxAttempts {
			o.State = obligation.StateFailed
			r.log.WithField("obligation_id", o.ID).
				WithField("attempts", o.Attempts).
				WithField("reason", result.reason).
				Error("obligation failed after max attempts")
		} else {
			o.State = obligation.StateRetryScheduled
			o.NextAttemptAt = now.Add(backoff(o.Attempts))
		}
	case "failed":
		o.State = obligation.StateFailed
		o.LastError = result.reason
		r.log.WithField("obligation_id", o.ID).
			WithField("reason", result.reason).
			Error("obligation failed")
	}
	o.UpdatedAt = now
	if _, err := r.store.UpdateObligation(ctx, o); err != nil {
		r.log.WithError(err).WithField("obligation_id", o.ID).Warn("persist obligation result failed")
	}
}

// backoff returns capped exponential backoff for the given attempt count.
func backoff(attempts int) time.Duration {
	d := initialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// RetryableResult converts a tagged error into a handler result: retryable
// kinds retry, anything else fails terminally.
func RetryableResult(err error) Result {
	if err == nil {
		return Completed()
	}
	if apperr.Retryable(err) {
		return Retry(err.Error())
	}
	return Fail(err.Error())
}
