package application

import (
	"time"

	automation "cmms-automation/internal/automation/domain"
	telemetry "cmms-automation/internal/telemetry/domain"
)

// Transition applies one reading's match result to a trigger's state and
// reports whether the trigger fired on this reading. The caller runs it on
// the meter's lane after Evaluate, so delta baselines still reflect the
// previous reading; LastReadingValue is advanced here, after evaluation.
//
// Firing is edge-triggered for every scope: the Fired latch re-arms only once
// the instantaneous condition evaluates false again, so a condition that
// stays true does not re-fire on every qualifying reading.
func Transition(spec automation.TriggerSpec, state *automation.TriggerState, reading telemetry.MeterReading, matched bool) bool {
	fired := false
	scope := spec.Scope.Normalized()

	switch scope.Type {
	case automation.ScopeMultipleReadings:
		if state.RecentMatches == nil || state.RecentMatches.Window() != scope.WindowSize {
			state.RecentMatches = automation.RestoreMatchRing(scope.WindowSize, state.RecentMatches.Snapshot())
		}
		state.RecentMatches.Push(matched)
		if !matched {
			state.Fired = false
		}
		if state.RecentMatches.CountTrue() >= scope.MatchCount && !state.Fired {
			fired = true
		}

	case automation.ScopeReadingLongerThan:
		if matched {
			if state.ConditionHoldingSince == nil {
				at := reading.ObservedAt
				state.ConditionHoldingSince = &at
			}
			if !state.Fired && reading.ObservedAt.Sub(*state.ConditionHoldingSince) >= scope.Duration {
				fired = true
			}
		} else {
			// A single non-matching reading aborts the episode, no partial credit.
			state.ConditionHoldingSince = nil
			state.Fired = false
		}

	default: // one_reading
		if matched && !state.Fired {
			fired = true
		}
		if !matched {
			state.Fired = false
		}
	}

	if fired {
		markFired(state, reading.ObservedAt, reading.Value)
	}

	value := reading.Value
	state.LastReadingValue = &value
	state.UpdatedAt = reading.ObservedAt
	return fired
}

// SweepDuration fires a reading_longer_than trigger whose holding window has
// elapsed purely by wall-clock passage, with no fresh reading arriving. The
// firing value is the meter's last observed value.
func SweepDuration(spec automation.TriggerSpec, state *automation.TriggerState, now time.Time) (float64, bool) {
	scope := spec.Scope.Normalized()
	if scope.Type != automation.ScopeReadingLongerThan {
		return 0, false
	}
	if state == nil || state.Fired || state.ConditionHoldingSince == nil || state.LastReadingValue == nil {
		return 0, false
	}
	if now.Sub(*state.ConditionHoldingSince) < scope.Duration {
		return 0, false
	}
	value := *state.LastReadingValue
	markFired(state, now, value)
	return value, true
}

func markFired(state *automation.TriggerState, at time.Time, value float64) {
	state.Fired = true
	firedAt := at
	firedValue := value
	state.LastFiredAt = &firedAt
	state.LastFiredValue = &firedValue
}
