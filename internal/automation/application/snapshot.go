package application

import (
	"sync"
	"sync/atomic"

	automation "cmms-automation/internal/automation/domain"
)

// BoundTrigger pairs a trigger spec with its owning automation inside a
// snapshot.
type BoundTrigger struct {
	Automation *automation.Automation
	Spec       automation.TriggerSpec
}

// Snapshot is an immutable view of the automation configuration. Lanes read
// the current snapshot at the start of each reading; it is never mutated in
// place.
type Snapshot struct {
	automations map[string]*automation.Automation
	byMeter     map[string][]BoundTrigger
	window      map[string]int
	fingerprint map[string]string
}

func buildSnapshot(automations map[string]*automation.Automation) *Snapshot {
	snap := &Snapshot{
		automations: automations,
		byMeter:     make(map[string][]BoundTrigger),
		window:      make(map[string]int),
		fingerprint: make(map[string]string),
	}
	for _, item := range automations {
		for _, trigger := range item.Triggers {
			snap.fingerprint[trigger.ID] = trigger.Fingerprint()
			if !item.Enabled {
				continue
			}
			snap.byMeter[trigger.MeterID] = append(snap.byMeter[trigger.MeterID], BoundTrigger{Automation: item, Spec: trigger})
			if scope := trigger.Scope.Normalized(); scope.Type == automation.ScopeMultipleReadings {
				if scope.WindowSize > snap.window[trigger.MeterID] {
					snap.window[trigger.MeterID] = scope.WindowSize
				}
			}
		}
	}
	return snap
}

// TriggersForMeter returns the enabled triggers bound to a meter.
func (s *Snapshot) TriggersForMeter(meterID string) []BoundTrigger {
	if s == nil {
		return nil
	}
	return s.byMeter[meterID]
}

// WindowSize returns the history capacity a meter needs (minimum 1).
func (s *Snapshot) WindowSize(meterID string) int {
	if s == nil {
		return 1
	}
	if n := s.window[meterID]; n > 1 {
		return n
	}
	return 1
}

// Meters lists every meter with at least one enabled trigger.
func (s *Snapshot) Meters() []string {
	if s == nil {
		return nil
	}
	meters := make([]string, 0, len(s.byMeter))
	for meterID := range s.byMeter {
		meters = append(meters, meterID)
	}
	return meters
}

// Fingerprint returns the spec generation of a trigger, "" when the trigger
// no longer exists.
func (s *Snapshot) Fingerprint(triggerID string) string {
	if s == nil {
		return ""
	}
	return s.fingerprint[triggerID]
}

// Automation returns an automation by id.
func (s *Snapshot) Automation(id string) (*automation.Automation, bool) {
	if s == nil {
		return nil, false
	}
	item, ok := s.automations[id]
	return item, ok
}

// Registry publishes automation configuration snapshots via atomic pointer
// swap. Writers serialize on a mutex; readers never block.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewRegistry constructs a registry with an empty snapshot.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(buildSnapshot(map[string]*automation.Automation{}))
	return r
}

// Current returns the latest published snapshot.
func (r *Registry) Current() *Snapshot {
	if r == nil {
		return nil
	}
	return r.current.Load()
}

// Replace publishes a snapshot containing exactly the given automations.
func (r *Registry) Replace(items []automation.Automation) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*automation.Automation, len(items))
	for i := range items {
		item := items[i]
		next[item.ID] = &item
	}
	snap := buildSnapshot(next)
	r.current.Store(snap)
	return snap
}

// Upsert publishes a snapshot with one automation added or replaced.
func (r *Registry) Upsert(item automation.Automation) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyCurrent()
	next[item.ID] = &item
	snap := buildSnapshot(next)
	r.current.Store(snap)
	return snap
}

// Remove publishes a snapshot without the given automation.
func (r *Registry) Remove(id string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyCurrent()
	delete(next, id)
	snap := buildSnapshot(next)
	r.current.Store(snap)
	return snap
}

func (r *Registry) copyCurrent() map[string]*automation.Automation {
	current := r.current.Load()
	next := make(map[string]*automation.Automation, len(current.automations))
	for id, item := range current.automations {
		next[id] = item
	}
	return next
}
