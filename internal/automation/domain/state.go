package automation

import "time"

// MatchRing is a fixed-capacity ring of recent per-reading match results,
// newest last. Its length never exceeds the configured window size.
type MatchRing struct {
	window  int
	matches []bool
}

// NewMatchRing constructs a ring for a window of n readings (minimum 1).
func NewMatchRing(n int) *MatchRing {
	if n < 1 {
		n = 1
	}
	return &MatchRing{window: n}
}

// Push appends a match result, evicting the oldest beyond the window.
func (r *MatchRing) Push(matched bool) {
	if r == nil {
		return
	}
	r.matches = append(r.matches, matched)
	if len(r.matches) > r.window {
		r.matches = r.matches[len(r.matches)-r.window:]
	}
}

// CountTrue returns the number of matching readings currently in the window.
func (r *MatchRing) CountTrue() int {
	if r == nil {
		return 0
	}
	count := 0
	for _, m := range r.matches {
		if m {
			count++
		}
	}
	return count
}

// Len returns the number of readings recorded so far (<= window).
func (r *MatchRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.matches)
}

// Window returns the configured window size.
func (r *MatchRing) Window() int {
	if r == nil {
		return 0
	}
	return r.window
}

// Snapshot returns a copy of the ring content for persistence.
func (r *MatchRing) Snapshot() []bool {
	if r == nil || len(r.matches) == 0 {
		return nil
	}
	out := make([]bool, len(r.matches))
	copy(out, r.matches)
	return out
}

// RestoreMatchRing rebuilds a ring from persisted content.
func RestoreMatchRing(n int, matches []bool) *MatchRing {
	ring := NewMatchRing(n)
	for _, m := range matches {
		ring.Push(m)
	}
	return ring
}

// TriggerState is the mutable evaluation state of one (trigger, asset) pair.
// It is created lazily on the first reading seen for the pair and owned
// exclusively by the meter's processing lane.
type TriggerState struct {
	TriggerID   string
	AssetID     string
	Fingerprint string

	// Fired latches after a firing and re-arms once the instantaneous
	// condition evaluates false again.
	Fired bool

	// ConditionHoldingSince is nil whenever the instantaneous condition is
	// false (duration scopes only).
	ConditionHoldingSince *time.Time

	// RecentMatches is nil except for multiple_readings scopes.
	RecentMatches *MatchRing

	LastFiredAt      *time.Time
	LastFiredValue   *float64
	LastReadingValue *float64

	UpdatedAt time.Time
}

// NewTriggerState constructs state for a trigger spec generation.
func NewTriggerState(spec TriggerSpec, assetID string) *TriggerState {
	state := &TriggerState{
		TriggerID:   spec.ID,
		AssetID:     assetID,
		Fingerprint: spec.Fingerprint(),
	}
	if scope := spec.Scope.Normalized(); scope.Type == ScopeMultipleReadings {
		state.RecentMatches = NewMatchRing(scope.WindowSize)
	}
	return state
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *TriggerState) Clone() *TriggerState {
	if s == nil {
		return nil
	}
	out := *s
	out.ConditionHoldingSince = copyTime(s.ConditionHoldingSince)
	out.LastFiredAt = copyTime(s.LastFiredAt)
	out.LastFiredValue = copyFloat(s.LastFiredValue)
	out.LastReadingValue = copyFloat(s.LastReadingValue)
	if s.RecentMatches != nil {
		out.RecentMatches = RestoreMatchRing(s.RecentMatches.Window(), s.RecentMatches.Snapshot())
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Key returns the map key identifying this state within a lane.
func (s *TriggerState) Key() string {
	return StateKey(s.TriggerID, s.AssetID)
}

// StateKey builds the (trigger, asset) composite key.
func StateKey(triggerID, assetID string) string {
	return triggerID + "|" + assetID
}
