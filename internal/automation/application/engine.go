package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	automation "cmms-automation/internal/automation/domain"
	"cmms-automation/internal/observability/metrics"
	telemetry "cmms-automation/internal/telemetry/domain"
	"cmms-automation/internal/telemetry/history"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AutomationSource loads automation configuration, typically from storage
// written by the configuration UI.
type AutomationSource interface {
	LoadAutomations(ctx context.Context) ([]automation.Automation, error)
}

// StoredState is a persisted trigger state together with the meter it
// belongs to.
type StoredState struct {
	MeterID string
	State   *automation.TriggerState
}

// StateStore persists trigger states so delta baselines and duration
// episodes survive restarts. Persistence is best effort; errors are logged
// and never fail reading processing.
type StateStore interface {
	Load(ctx context.Context) ([]StoredState, error)
	Upsert(ctx context.Context, record StoredState) error
	Delete(ctx context.Context, triggerID, assetID string) error
}

type laneMsgKind int

const (
	laneMsgReading laneMsgKind = iota
	laneMsgSweep
	laneMsgConfig
)

type laneMsg struct {
	kind    laneMsgKind
	reading telemetry.MeterReading
}

type lane struct {
	meterID   string
	ch        chan laneMsg
	states    map[string]*automation.TriggerState
	deadlines deadlineHeap
}

// Engine consumes the reading stream and drives evaluation. Each meter owns
// one serial lane: all mutation of that meter's history and trigger states
// happens on the lane goroutine, so no reading for a meter is ever processed
// concurrently with another reading for the same meter. Different meters run
// fully in parallel.
type Engine struct {
	registry   *Registry
	historyOf  *history.Store
	dispatcher *Dispatcher
	source     AutomationSource
	states     StateStore
	logger     *log.Logger
	clock      Clock
	persist    *statePersister

	queueSize     int
	sweepInterval time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
	seeds map[string]StoredState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithQueueSize sets the per-meter lane queue depth.
func WithQueueSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithSweepInterval sets the duration-deadline sweep period.
func WithSweepInterval(interval time.Duration) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.sweepInterval = interval
		}
	}
}

// WithAutomationSource assigns the configuration source.
func WithAutomationSource(source AutomationSource) EngineOption {
	return func(e *Engine) {
		e.source = source
	}
}

// WithStateStore enables trigger state durability.
func WithStateStore(store StateStore) EngineOption {
	return func(e *Engine) {
		e.states = store
	}
}

// WithEngineLogger assigns a logger.
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineClock assigns a clock.
func WithEngineClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine constructs an engine.
func NewEngine(historyStore *history.Store, dispatcher *Dispatcher, opts ...EngineOption) (*Engine, error) {
	if historyStore == nil {
		return nil, errors.New("engine: nil history store")
	}
	if dispatcher == nil {
		return nil, errors.New("engine: nil dispatcher")
	}
	e := &Engine{
		registry:      NewRegistry(),
		historyOf:     historyStore,
		dispatcher:    dispatcher,
		logger:        log.Default(),
		clock:         systemClock{},
		queueSize:     64,
		sweepInterval: 5 * time.Second,
		lanes:         make(map[string]*lane),
		seeds:         make(map[string]StoredState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start loads configuration and persisted state, then begins the sweep loop.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return errors.New("engine: nil engine")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.source != nil {
		if err := e.ReloadAutomations(e.ctx); err != nil {
			return err
		}
	}
	if e.states != nil {
		stored, err := e.states.Load(e.ctx)
		if err != nil {
			return err
		}
		meters := make(map[string]struct{})
		e.mu.Lock()
		for _, record := range stored {
			if record.State == nil || record.MeterID == "" {
				continue
			}
			e.seeds[record.State.Key()] = record
			meters[record.MeterID] = struct{}{}
		}
		e.mu.Unlock()
		e.logger.Printf("engine: restored %d trigger states", len(stored))

		e.persist = newStatePersister(e.states, e.logger)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.persist.run(e.ctx)
		}()

		// Pre-create lanes for seeded meters: a meter that stays silent
		// after the restart still needs its duration deadlines swept.
		for meterID := range meters {
			l := e.laneFor(meterID)
			select {
			case l.ch <- laneMsg{kind: laneMsgConfig}:
			default:
			}
		}
	}

	e.wg.Add(1)
	go e.sweepLoop()
	return nil
}

// Close stops the sweep and all lanes and flushes pending state writes. The
// dispatcher has its own Close.
func (e *Engine) Close() {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
	e.wg.Wait()
}

// Ingest routes a reading onto its meter's lane. It blocks briefly when the
// lane queue is full (backpressure) and returns an error only for malformed
// readings or a stopped engine.
func (e *Engine) Ingest(reading telemetry.MeterReading) error {
	if e == nil || e.ctx == nil {
		return errors.New("engine: not started")
	}
	if err := reading.Validate(); err != nil {
		metrics.IncReadingRejected("malformed")
		return err
	}
	target := e.laneFor(reading.MeterID)
	select {
	case target.ch <- laneMsg{kind: laneMsgReading, reading: reading}:
		metrics.ObserveQueueDepth(len(target.ch))
		return nil
	case <-e.ctx.Done():
		return errors.New("engine: stopped")
	}
}

// ReloadAutomations replaces the snapshot from the configuration source.
func (e *Engine) ReloadAutomations(ctx context.Context) error {
	if e.source == nil {
		return errors.New("engine: no automation source")
	}
	items, err := e.source.LoadAutomations(ctx)
	if err != nil {
		return err
	}
	valid := items[:0]
	for _, item := range items {
		if err := item.Validate(); err != nil {
			e.logger.Printf("engine: skipping invalid automation %s: %v", item.ID, err)
			continue
		}
		valid = append(valid, item)
	}
	snap := e.registry.Replace(valid)
	e.publish(snap)
	e.logger.Printf("engine: loaded %d automations", len(valid))
	return nil
}

// OnAutomationChanged publishes a created or updated automation. Triggers
// whose spec changed start a new generation; their accumulated state is
// discarded. Disabling an automation keeps its state for re-enable.
func (e *Engine) OnAutomationChanged(item automation.Automation) error {
	if err := item.Validate(); err != nil {
		return err
	}
	snap := e.registry.Upsert(item)
	e.publish(snap)
	return nil
}

// OnAutomationRemoved unpublishes an automation and prunes its state.
func (e *Engine) OnAutomationRemoved(id string) {
	snap := e.registry.Remove(id)
	e.publish(snap)
}

// Snapshot returns the current configuration snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.registry.Current()
}

func (e *Engine) publish(snap *Snapshot) {
	for _, meterID := range snap.Meters() {
		e.historyOf.Resize(meterID, snap.WindowSize(meterID))
	}
	e.mu.Lock()
	lanes := make([]*lane, 0, len(e.lanes))
	for _, l := range e.lanes {
		lanes = append(lanes, l)
	}
	e.mu.Unlock()
	// Best effort: lanes also verify spec generations per reading, so a
	// dropped config message only delays pruning.
	for _, l := range lanes {
		select {
		case l.ch <- laneMsg{kind: laneMsgConfig}:
		default:
		}
	}
}

func (e *Engine) laneFor(meterID string) *lane {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.lanes[meterID]; ok {
		return existing
	}
	l := &lane{
		meterID: meterID,
		ch:      make(chan laneMsg, e.queueSize),
		states:  make(map[string]*automation.TriggerState),
	}
	e.lanes[meterID] = l
	e.wg.Add(1)
	go e.runLane(l)
	return l
}

func (e *Engine) runLane(l *lane) {
	defer e.wg.Done()
	for {
		select {
		case msg := <-l.ch:
			switch msg.kind {
			case laneMsgReading:
				e.processReading(l, msg.reading)
			case laneMsgSweep:
				e.processSweep(l)
			case laneMsgConfig:
				e.pruneStates(l)
				e.restoreSeeds(l)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) processReading(l *lane, reading telemetry.MeterReading) {
	snap := e.registry.Current()
	e.historyOf.Resize(l.meterID, snap.WindowSize(l.meterID))
	if err := e.historyOf.Append(reading); err != nil {
		if errors.Is(err, history.ErrOutOfOrder) {
			metrics.IncReadingRejected("out_of_order")
			e.logger.Printf("engine: rejected out-of-order reading for meter %s at %s", l.meterID, reading.ObservedAt.Format(time.RFC3339))
			return
		}
		metrics.IncReadingRejected("malformed")
		e.logger.Printf("engine: dropped reading for meter %s: %v", l.meterID, err)
		return
	}
	metrics.IncReadingProcessed()

	for _, bound := range snap.TriggersForMeter(l.meterID) {
		spec := bound.Spec
		assetID := spec.AssetID
		if assetID == "" {
			assetID = reading.AssetID
		}
		state := e.stateFor(l, spec, assetID)

		matched := Evaluate(spec.Conditions, reading, state)
		holdingBefore := state.ConditionHoldingSince
		fired := Transition(spec, state, reading, matched)

		if scope := spec.Scope.Normalized(); scope.Type == automation.ScopeReadingLongerThan {
			if state.ConditionHoldingSince != nil && holdingBefore == nil {
				l.deadlines.add(state.ConditionHoldingSince.Add(scope.Duration), state.Key(), spec.ID)
			}
		}

		e.persistState(l.meterID, state)
		if fired {
			e.dispatcher.Dispatch(e.ctx, bound.Automation, FiringContext{
				AutomationID:   bound.Automation.ID,
				AutomationName: bound.Automation.Name,
				TriggerID:      spec.ID,
				MeterID:        l.meterID,
				AssetID:        assetID,
				Value:          reading.Value,
				FiredAt:        reading.ObservedAt,
			})
		}
	}
}

// processSweep fires duration triggers whose deadline elapsed with no new
// reading arriving. Entries are re-verified against live state, so deadlines
// for aborted or already-fired episodes fall through harmlessly.
func (e *Engine) processSweep(l *lane) {
	now := e.clock.Now()
	entries := l.deadlines.due(now)
	if len(entries) == 0 {
		return
	}
	snap := e.registry.Current()
	for _, entry := range entries {
		state, ok := l.states[entry.stateKey]
		if !ok {
			continue
		}
		var bound *BoundTrigger
		for _, candidate := range snap.TriggersForMeter(l.meterID) {
			if candidate.Spec.ID == entry.triggerID {
				b := candidate
				bound = &b
				break
			}
		}
		if bound == nil || state.Fingerprint != bound.Spec.Fingerprint() {
			continue
		}
		value, fired := SweepDuration(bound.Spec, state, now)
		if !fired {
			continue
		}
		metrics.IncSweepFiring()
		e.persistState(l.meterID, state)
		e.dispatcher.Dispatch(e.ctx, bound.Automation, FiringContext{
			AutomationID:   bound.Automation.ID,
			AutomationName: bound.Automation.Name,
			TriggerID:      bound.Spec.ID,
			MeterID:        l.meterID,
			AssetID:        state.AssetID,
			Value:          value,
			FiredAt:        now,
		})
	}
}

func (e *Engine) stateFor(l *lane, spec automation.TriggerSpec, assetID string) *automation.TriggerState {
	key := automation.StateKey(spec.ID, assetID)
	fingerprint := spec.Fingerprint()

	if state, ok := l.states[key]; ok {
		if state.Fingerprint == fingerprint {
			return state
		}
		// New spec generation: the old state is discarded.
		e.deleteState(spec.ID, assetID)
		delete(l.states, key)
	}

	e.mu.Lock()
	seed, seeded := e.seeds[key]
	if seeded {
		delete(e.seeds, key)
	}
	e.mu.Unlock()
	if seeded && seed.State.Fingerprint == fingerprint {
		l.states[key] = seed.State
		e.armDurationDeadline(l, spec, seed.State)
		return seed.State
	}

	state := automation.NewTriggerState(spec, assetID)
	l.states[key] = state
	return state
}

// restoreSeeds adopts persisted states for triggers currently bound to this
// meter and re-registers their duration deadlines, so a restored holding
// episode can fire through the sweep even when the meter stays silent. Seeds
// for unbound triggers (disabled automations) stay queued for later.
func (e *Engine) restoreSeeds(l *lane) {
	snap := e.registry.Current()
	bound := snap.TriggersForMeter(l.meterID)
	if len(bound) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, seed := range e.seeds {
		if seed.MeterID != l.meterID {
			continue
		}
		for _, candidate := range bound {
			if candidate.Spec.ID != seed.State.TriggerID || candidate.Spec.Fingerprint() != seed.State.Fingerprint {
				continue
			}
			delete(e.seeds, key)
			l.states[key] = seed.State
			e.armDurationDeadline(l, candidate.Spec, seed.State)
			break
		}
	}
}

// armDurationDeadline re-registers the sweep deadline for a restored holding
// episode. Stale entries are harmless: the sweep re-verifies against live
// state before firing.
func (e *Engine) armDurationDeadline(l *lane, spec automation.TriggerSpec, state *automation.TriggerState) {
	scope := spec.Scope.Normalized()
	if scope.Type != automation.ScopeReadingLongerThan || state.ConditionHoldingSince == nil {
		return
	}
	l.deadlines.add(state.ConditionHoldingSince.Add(scope.Duration), state.Key(), spec.ID)
}

func (e *Engine) pruneStates(l *lane) {
	snap := e.registry.Current()
	e.historyOf.Resize(l.meterID, snap.WindowSize(l.meterID))
	for key, state := range l.states {
		fingerprint := snap.Fingerprint(state.TriggerID)
		if fingerprint == "" || fingerprint != state.Fingerprint {
			delete(l.states, key)
			e.deleteState(state.TriggerID, state.AssetID)
		}
	}
}

// persistState hands a copy of the state to the async writer; lanes never
// block on the store.
func (e *Engine) persistState(meterID string, state *automation.TriggerState) {
	if e.persist == nil {
		return
	}
	e.persist.enqueue(StoredState{MeterID: meterID, State: state.Clone()})
}

func (e *Engine) deleteState(triggerID, assetID string) {
	if e.states == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 2*time.Second)
	defer cancel()
	if err := e.states.Delete(ctx, triggerID, assetID); err != nil {
		e.logger.Printf("engine: state delete error for trigger %s: %v", triggerID, err)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			lanes := make([]*lane, 0, len(e.lanes))
			for _, l := range e.lanes {
				lanes = append(lanes, l)
			}
			e.mu.Unlock()
			for _, l := range lanes {
				select {
				case l.ch <- laneMsg{kind: laneMsgSweep}:
				default:
					// Lane is busy processing readings; readings drive the
					// same deadlines, next tick will catch up.
				}
			}
		case <-e.ctx.Done():
			return
		}
	}
}
