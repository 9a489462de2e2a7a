package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	automation "cmms-automation/internal/automation/domain"
	"cmms-automation/internal/observability/metrics"
)

// FiringContext identifies one firing of a trigger for one asset.
type FiringContext struct {
	AutomationID   string    `json:"automation_id"`
	AutomationName string    `json:"automation_name"`
	TriggerID      string    `json:"trigger_id"`
	MeterID        string    `json:"meter_id"`
	AssetID        string    `json:"asset_id"`
	Value          float64   `json:"value"`
	FiredAt        time.Time `json:"fired_at"`
}

// IdempotencyKey derives a stable key from the firing identity so retried
// dispatches cannot create duplicate side effects.
func (f FiringContext) IdempotencyKey() string {
	sum := sha1.Sum([]byte(f.TriggerID + "|" + f.AssetID + "|" + f.FiredAt.UTC().Format(time.RFC3339Nano)))
	return "firing-" + hex.EncodeToString(sum[:8])
}

// WorkOrderSpec carries the fields of a work order to create.
type WorkOrderSpec struct {
	Title        string
	Description  string
	Priority     string
	AssigneeID   string
	AssetID      string
	AutomationID string
	TriggerID    string
}

// WorkOrderService is the external work-order collaborator.
type WorkOrderService interface {
	CreateWorkOrder(ctx context.Context, spec WorkOrderSpec, idempotencyKey string) (string, error)
	FindOpenWorkOrder(ctx context.Context, automationID, triggerID, assetID string) (string, bool, error)
}

// AssetService is the external asset collaborator.
type AssetService interface {
	UpdateAssetStatus(ctx context.Context, assetID, status, idempotencyKey string) error
}

// FailedFiring is the durable record of a dispatch that exhausted retries.
type FailedFiring struct {
	IdempotencyKey string
	AutomationID   string
	TriggerID      string
	AssetID        string
	ActionType     automation.ActionType
	Value          float64
	FiredAt        time.Time
	FailedAt       time.Time
	Reason         string
	Attempts       int
}

// FailedFiringStore persists failed firings for operator visibility.
type FailedFiringStore interface {
	Record(ctx context.Context, failure FailedFiring) error
}

// Firing event types published to notifiers.
const (
	FiringEventFired      = "fired"
	FiringEventSuppressed = "suppressed"
	FiringEventDispatched = "dispatched"
	FiringEventFailed     = "failed"
)

// FiringEvent is a lifecycle update of one firing.
type FiringEvent struct {
	Type   string                `json:"type"`
	Firing FiringContext         `json:"firing"`
	Action automation.ActionType `json:"action,omitempty"`
	Detail string                `json:"detail,omitempty"`
}

// FiringNotifier publishes firing lifecycle events.
type FiringNotifier interface {
	Notify(ctx context.Context, event FiringEvent)
}

type dispatchJob struct {
	action automation.ActionSpec
	firing FiringContext
}

// Dispatcher executes automation actions on an unordered worker pool so a
// slow collaborator never stalls a meter lane. Each action of an automation
// is dispatched independently; a failing action does not block the others.
type Dispatcher struct {
	workOrders  WorkOrderService
	assets      AssetService
	failures    FailedFiringStore
	notifier    FiringNotifier
	logger      *log.Logger
	clock       Clock
	workers     int
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration

	jobs      chan dispatchJob
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// DispatcherOption customizes the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchWorkers sets the worker pool size.
func WithDispatchWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDispatchTimeout bounds each collaborator call.
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatchRetry sets the attempt budget and backoff base.
func WithDispatchRetry(maxAttempts int, backoffBase time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			d.backoffBase = backoffBase
		}
	}
}

// WithFailureStore records exhausted dispatches.
func WithFailureStore(store FailedFiringStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.failures = store
	}
}

// WithFiringNotifier assigns a notifier.
func WithFiringNotifier(notifier FiringNotifier) DispatcherOption {
	return func(d *Dispatcher) {
		d.notifier = notifier
	}
}

// WithDispatcherLogger assigns a logger.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherClock assigns a clock.
func WithDispatcherClock(clock Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(workOrders WorkOrderService, assets AssetService, opts ...DispatcherOption) (*Dispatcher, error) {
	if workOrders == nil {
		return nil, errors.New("dispatcher: nil work order service")
	}
	if assets == nil {
		return nil, errors.New("dispatcher: nil asset service")
	}
	d := &Dispatcher{
		workOrders:  workOrders,
		assets:      assets,
		logger:      log.Default(),
		clock:       systemClock{},
		workers:     4,
		timeout:     10 * time.Second,
		maxAttempts: 4,
		backoffBase: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.jobs = make(chan dispatchJob, d.workers*16)
	return d, nil
}

// Start launches the worker pool. Workers run until Close is called; ctx
// cancellation aborts in-flight collaborator calls.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for job := range d.jobs {
					d.run(ctx, job)
				}
			}()
		}
	})
}

// Close drains the queue and stops the workers.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
}

// Dispatch enqueues every action of the automation for the firing. It never
// blocks the calling lane: when the pool is saturated the action is recorded
// as failed immediately rather than stalling reading ingestion.
func (d *Dispatcher) Dispatch(ctx context.Context, item *automation.Automation, firing FiringContext) {
	if d == nil || item == nil {
		return
	}
	d.notify(ctx, FiringEvent{Type: FiringEventFired, Firing: firing})
	metrics.IncFiring()
	for _, action := range item.Actions {
		job := dispatchJob{action: action, firing: firing}
		select {
		case d.jobs <- job:
		default:
			d.logger.Printf("dispatcher: queue full, failing %s action for trigger %s", action.Type, firing.TriggerID)
			d.fail(ctx, job, 0, errors.New("dispatch queue full"))
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job dispatchJob) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		suppressed, err := d.execute(callCtx, job)
		cancel()
		if err == nil {
			if suppressed {
				return
			}
			metrics.IncDispatch(metrics.ResultSuccess)
			d.notify(ctx, FiringEvent{Type: FiringEventDispatched, Firing: job.firing, Action: job.action.Type})
			return
		}
		lastErr = err
		d.logger.Printf("dispatcher: %s attempt %d/%d for trigger %s failed: %v", job.action.Type, attempt, d.maxAttempts, job.firing.TriggerID, err)
		if attempt < d.maxAttempts {
			if !d.sleep(ctx, d.backoffBase<<uint(attempt-1)) {
				break
			}
		}
	}
	d.fail(ctx, job, d.maxAttempts, lastErr)
}

// execute performs one attempt. The same idempotency key is reused on every
// retry so the collaborator can deduplicate.
func (d *Dispatcher) execute(ctx context.Context, job dispatchJob) (suppressed bool, err error) {
	key := job.firing.IdempotencyKey()
	switch job.action.Type {
	case automation.ActionCreateWorkOrder:
		if job.action.OnlyIfPreviousClosed {
			id, open, err := d.workOrders.FindOpenWorkOrder(ctx, job.firing.AutomationID, job.firing.TriggerID, job.firing.AssetID)
			if err != nil {
				return false, err
			}
			if open {
				d.logger.Printf("dispatcher: firing suppressed, work order %s still open for trigger %s asset %s", id, job.firing.TriggerID, job.firing.AssetID)
				metrics.IncDispatch(metrics.ResultSuppressed)
				d.notify(ctx, FiringEvent{Type: FiringEventSuppressed, Firing: job.firing, Action: job.action.Type, Detail: "previous work order " + id + " still open"})
				return true, nil
			}
		}
		template := job.action.WorkOrder
		if template == nil {
			return false, errors.New("create_work_order without template")
		}
		spec := WorkOrderSpec{
			Title:        template.Title,
			Description:  template.Description,
			Priority:     template.Priority,
			AssigneeID:   template.AssigneeID,
			AssetID:      job.firing.AssetID,
			AutomationID: job.firing.AutomationID,
			TriggerID:    job.firing.TriggerID,
		}
		_, err := d.workOrders.CreateWorkOrder(ctx, spec, key)
		return false, err

	case automation.ActionChangeAssetStatus:
		if job.firing.AssetID == "" {
			return false, errors.New("change_asset_status without asset")
		}
		return false, d.assets.UpdateAssetStatus(ctx, job.firing.AssetID, job.action.AssetStatus, key)

	default:
		return false, errors.New("unknown action type " + string(job.action.Type))
	}
}

func (d *Dispatcher) fail(ctx context.Context, job dispatchJob, attempts int, cause error) {
	metrics.IncDispatch(metrics.ResultError)
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if d.failures != nil {
		failure := FailedFiring{
			IdempotencyKey: job.firing.IdempotencyKey(),
			AutomationID:   job.firing.AutomationID,
			TriggerID:      job.firing.TriggerID,
			AssetID:        job.firing.AssetID,
			ActionType:     job.action.Type,
			Value:          job.firing.Value,
			FiredAt:        job.firing.FiredAt,
			FailedAt:       d.clock.Now(),
			Reason:         reason,
			Attempts:       attempts,
		}
		if err := d.failures.Record(context.WithoutCancel(ctx), failure); err != nil {
			d.logger.Printf("dispatcher: failed firing record error: %v", err)
		}
	}
	d.notify(ctx, FiringEvent{Type: FiringEventFailed, Firing: job.firing, Action: job.action.Type, Detail: reason})
}

func (d *Dispatcher) notify(ctx context.Context, event FiringEvent) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(ctx, event)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
