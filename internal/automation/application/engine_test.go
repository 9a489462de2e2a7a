package application

import (
	"context"
	"sync"
	"testing"
	"time"

	automation "cmms-automation/internal/automation/domain"
	telemetry "cmms-automation/internal/telemetry/domain"
	"cmms-automation/internal/telemetry/history"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryStateStore struct {
	mu      sync.Mutex
	records map[string]StoredState
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{records: make(map[string]StoredState)}
}

func (s *memoryStateStore) Load(context.Context) ([]StoredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredState, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	return out, nil
}

func (s *memoryStateStore) Upsert(_ context.Context, record StoredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.State.Key()] = record
	return nil
}

func (s *memoryStateStore) Delete(_ context.Context, triggerID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, automation.StateKey(triggerID, assetID))
	return nil
}

type engineFixture struct {
	engine     *Engine
	dispatcher *Dispatcher
	history    *history.Store
	workOrders *stubWorkOrderService
	notifier   *channelNotifier
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	workOrders := &stubWorkOrderService{}
	notifier := newChannelNotifier()
	dispatcher, err := NewDispatcher(workOrders, &stubAssetService{}, WithFiringNotifier(notifier))
	if err != nil {
		t.Fatalf("dispatcher error: %v", err)
	}
	dispatcher.Start(context.Background())

	historyStore := history.NewStore()
	engine, err := NewEngine(historyStore, dispatcher, opts...)
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start error: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		dispatcher.Close()
	})
	return &engineFixture{
		engine:     engine,
		dispatcher: dispatcher,
		history:    historyStore,
		workOrders: workOrders,
		notifier:   notifier,
	}
}

// waitProcessed blocks until the lane has consumed everything up to the given
// timestamp. Lanes are serial, so once the newest stored reading reaches it,
// all earlier ingests for that meter are done.
func (f *engineFixture) waitProcessed(t *testing.T, meterID string, at time.Time) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if latest, ok := f.history.Latest(meterID); ok && !latest.ObservedAt.Before(at) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for meter %s to process reading at %s", meterID, at)
}

func (f *engineFixture) assertNoEvent(t *testing.T, eventType string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case event := <-f.notifier.events:
			if event.Type == eventType {
				t.Fatalf("unexpected %s event: %+v", eventType, event)
			}
		case <-deadline:
			return
		}
	}
}

func thresholdAutomation(value float64, scope automation.Scope) automation.Automation {
	return automation.Automation{
		ID:      "auto-1",
		Name:    "Pump overheat",
		Enabled: true,
		Triggers: []automation.TriggerSpec{{
			ID:         "trg-1",
			MeterID:    "meter-1",
			Conditions: []automation.Condition{{Operator: automation.OperatorGreater, Value: value}},
			Scope:      scope,
		}},
		Actions: []automation.ActionSpec{{
			Type:      automation.ActionCreateWorkOrder,
			WorkOrder: &automation.WorkOrderTemplate{Title: "Inspect pump"},
		}},
	}
}

func meterReading(value float64, at time.Time) telemetry.MeterReading {
	return telemetry.MeterReading{MeterID: "meter-1", AssetID: "asset-1", Value: value, ObservedAt: at}
}

func TestEngine_FiresWorkOrderOnThresholdCross(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.OnAutomationChanged(thresholdAutomation(80, automation.Scope{Type: automation.ScopeOneReading})); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := f.engine.Ingest(meterReading(75, base)); err != nil {
		t.Fatalf("ingest error: %v", err)
	}
	if err := f.engine.Ingest(meterReading(92, base.Add(time.Minute))); err != nil {
		t.Fatalf("ingest error: %v", err)
	}

	event := f.notifier.wait(t, FiringEventFired)
	if event.Firing.TriggerID != "trg-1" || event.Firing.AssetID != "asset-1" {
		t.Fatalf("unexpected firing: %+v", event.Firing)
	}
	if event.Firing.Value != 92 || !event.Firing.FiredAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected firing value/time: %+v", event.Firing)
	}
	f.notifier.wait(t, FiringEventDispatched)
	if len(f.workOrders.createdKeys()) != 1 {
		t.Fatalf("expected 1 work order, got %d", len(f.workOrders.createdKeys()))
	}
}

func TestEngine_RejectsOutOfOrderReadings(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.OnAutomationChanged(thresholdAutomation(80, automation.Scope{Type: automation.ScopeOneReading})); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	_ = f.engine.Ingest(meterReading(5, base))
	// Older than the newest stored reading: rejected, never evaluated.
	_ = f.engine.Ingest(meterReading(100, base.Add(-time.Minute)))
	_ = f.engine.Ingest(meterReading(6, base.Add(time.Minute)))

	f.waitProcessed(t, "meter-1", base.Add(time.Minute))
	f.assertNoEvent(t, FiringEventFired, 50*time.Millisecond)

	if latest, ok := f.history.Latest("meter-1"); !ok || latest.Value != 6 {
		t.Fatalf("unexpected latest reading: %+v", latest)
	}
}

func TestEngine_DisabledAutomationDoesNotFire(t *testing.T) {
	f := newEngineFixture(t)
	item := thresholdAutomation(80, automation.Scope{Type: automation.ScopeOneReading})
	item.Enabled = false
	if err := f.engine.OnAutomationChanged(item); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	_ = f.engine.Ingest(meterReading(92, base))

	// Disabled automations are not indexed by meter, so the reading never
	// reaches the trigger. History only fills for indexed meters.
	f.assertNoEvent(t, FiringEventFired, 50*time.Millisecond)
}

func TestEngine_SpecChangeDiscardsAccumulatedState(t *testing.T) {
	f := newEngineFixture(t)
	scope := automation.Scope{Type: automation.ScopeMultipleReadings, MatchCount: 2, WindowSize: 2}
	if err := f.engine.OnAutomationChanged(thresholdAutomation(10, scope)); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	_ = f.engine.Ingest(meterReading(12, base))
	f.waitProcessed(t, "meter-1", base)

	// Editing the condition starts a new spec generation; the accumulated
	// match does not carry over.
	if err := f.engine.OnAutomationChanged(thresholdAutomation(5, scope)); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	_ = f.engine.Ingest(meterReading(12, base.Add(time.Minute)))
	f.waitProcessed(t, "meter-1", base.Add(time.Minute))
	f.assertNoEvent(t, FiringEventFired, 50*time.Millisecond)

	_ = f.engine.Ingest(meterReading(12, base.Add(2*time.Minute)))
	event := f.notifier.wait(t, FiringEventFired)
	if event.Firing.Value != 12 {
		t.Fatalf("unexpected firing: %+v", event.Firing)
	}
}

func TestEngine_RemovedAutomationStopsFiring(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.OnAutomationChanged(thresholdAutomation(80, automation.Scope{Type: automation.ScopeOneReading})); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	f.engine.OnAutomationRemoved("auto-1")
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	_ = f.engine.Ingest(meterReading(92, base))
	f.assertNoEvent(t, FiringEventFired, 50*time.Millisecond)
}

func TestEngine_SweepFiresDurationTriggerWithoutNewReading(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	f := newEngineFixture(t,
		WithEngineClock(clock),
		WithSweepInterval(5*time.Millisecond))
	scope := automation.Scope{Type: automation.ScopeReadingLongerThan, Duration: 5 * time.Minute}
	if err := f.engine.OnAutomationChanged(thresholdAutomation(10, scope)); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	base := clock.Now()

	_ = f.engine.Ingest(meterReading(12, base))
	f.waitProcessed(t, "meter-1", base)
	f.assertNoEvent(t, FiringEventFired, 30*time.Millisecond)

	clock.Advance(5 * time.Minute)
	event := f.notifier.wait(t, FiringEventFired)
	if event.Firing.Value != 12 {
		t.Fatalf("expected last observed value 12, got %v", event.Firing.Value)
	}
	if !event.Firing.FiredAt.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected firing at the deadline, got %s", event.Firing.FiredAt)
	}
}

func TestEngine_RestoredDurationEpisodeFiresWhileSilent(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	item := thresholdAutomation(10, automation.Scope{Type: automation.ScopeReadingLongerThan, Duration: 5 * time.Minute})

	// A holding episode persisted by a previous run: the condition has been
	// true since base, last observed value 12.
	holdingSince := base
	lastValue := 12.0
	store := newMemoryStateStore()
	seed := &automation.TriggerState{
		TriggerID:             "trg-1",
		AssetID:               "asset-1",
		Fingerprint:           item.Triggers[0].Fingerprint(),
		ConditionHoldingSince: &holdingSince,
		LastReadingValue:      &lastValue,
		UpdatedAt:             base,
	}
	if err := store.Upsert(context.Background(), StoredState{MeterID: "meter-1", State: seed}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	clock := &fakeClock{now: base.Add(time.Minute)}
	f := newEngineFixture(t,
		WithStateStore(store),
		WithEngineClock(clock),
		WithSweepInterval(5*time.Millisecond))
	if err := f.engine.OnAutomationChanged(item); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	// No reading ever arrives after the restart. The deadline is not due yet.
	f.assertNoEvent(t, FiringEventFired, 30*time.Millisecond)

	clock.Advance(5 * time.Minute)
	event := f.notifier.wait(t, FiringEventFired)
	if event.Firing.Value != 12 || event.Firing.AssetID != "asset-1" {
		t.Fatalf("unexpected firing: %+v", event.Firing)
	}
	if !event.Firing.FiredAt.Equal(base.Add(6 * time.Minute)) {
		t.Fatalf("expected firing at sweep time, got %s", event.Firing.FiredAt)
	}
}

type stallStateStore struct {
	release chan struct{}
}

func (s *stallStateStore) Load(context.Context) ([]StoredState, error) { return nil, nil }

func (s *stallStateStore) Upsert(ctx context.Context, _ StoredState) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stallStateStore) Delete(context.Context, string, string) error { return nil }

func TestEngine_SlowStateStoreDoesNotBlockEvaluation(t *testing.T) {
	store := &stallStateStore{release: make(chan struct{})}
	defer close(store.release)

	f := newEngineFixture(t, WithStateStore(store))
	if err := f.engine.OnAutomationChanged(thresholdAutomation(80, automation.Scope{Type: automation.ScopeOneReading})); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// The store accepts nothing, yet readings keep flowing and firings
	// dispatch: persistence must stay off the evaluation path.
	_ = f.engine.Ingest(meterReading(75, base))
	_ = f.engine.Ingest(meterReading(92, base.Add(time.Minute)))
	event := f.notifier.wait(t, FiringEventFired)
	if event.Firing.Value != 92 {
		t.Fatalf("unexpected firing: %+v", event.Firing)
	}
	f.notifier.wait(t, FiringEventDispatched)
}

func TestEngine_StateSurvivesRestart(t *testing.T) {
	store := newMemoryStateStore()
	spec := automation.Automation{
		ID:      "auto-1",
		Name:    "Sudden usage jump",
		Enabled: true,
		Triggers: []automation.TriggerSpec{{
			ID:         "trg-1",
			MeterID:    "meter-1",
			Conditions: []automation.Condition{{Operator: automation.OperatorIncreasedFromLastReading, Value: 10}},
			Scope:      automation.Scope{Type: automation.ScopeOneReading},
		}},
		Actions: []automation.ActionSpec{{
			Type:      automation.ActionCreateWorkOrder,
			WorkOrder: &automation.WorkOrderTemplate{Title: "Check for leaks"},
		}},
	}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := newEngineFixture(t, WithStateStore(store))
	if err := first.engine.OnAutomationChanged(spec); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	_ = first.engine.Ingest(meterReading(50, base))
	first.waitProcessed(t, "meter-1", base)
	first.engine.Close()
	first.dispatcher.Close()

	// A new engine restores the persisted baseline, so the delta fires on the
	// first reading after restart.
	second := newEngineFixture(t, WithStateStore(store))
	if err := second.engine.OnAutomationChanged(spec); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	_ = second.engine.Ingest(meterReading(61, base.Add(time.Minute)))
	event := second.notifier.wait(t, FiringEventFired)
	if event.Firing.Value != 61 {
		t.Fatalf("unexpected firing: %+v", event.Firing)
	}
}
