package application

import (
	"testing"
	"time"

	automation "cmms-automation/internal/automation/domain"
	telemetry "cmms-automation/internal/telemetry/domain"
)

func specWithScope(scope automation.Scope) automation.TriggerSpec {
	return automation.TriggerSpec{
		ID:         "trg-1",
		MeterID:    "meter-1",
		Conditions: []automation.Condition{{Operator: automation.OperatorGreater, Value: 10}},
		Scope:      scope,
	}
}

func runReadings(t *testing.T, spec automation.TriggerSpec, values []float64, step time.Duration) []bool {
	t.Helper()
	state := automation.NewTriggerState(spec, "asset-1")
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fired := make([]bool, len(values))
	for i, value := range values {
		reading := telemetry.MeterReading{
			MeterID:    spec.MeterID,
			AssetID:    "asset-1",
			Value:      value,
			ObservedAt: base.Add(time.Duration(i) * step),
		}
		matched := Evaluate(spec.Conditions, reading, state)
		fired[i] = Transition(spec, state, reading, matched)
	}
	return fired
}

func TestTransition_OneReadingEdgeTriggered(t *testing.T) {
	spec := specWithScope(automation.Scope{Type: automation.ScopeOneReading})

	// The condition staying true must not re-fire; a false reading re-arms.
	fired := runReadings(t, spec, []float64{5, 12, 18, 9, 15}, time.Minute)
	want := []bool{false, true, false, false, true}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("reading %d: expected fired=%v, got %v", i, want[i], fired[i])
		}
	}
}

func TestTransition_MultipleReadingsFiresAtThreshold(t *testing.T) {
	spec := specWithScope(automation.Scope{
		Type:       automation.ScopeMultipleReadings,
		MatchCount: 2,
		WindowSize: 3,
	})

	fired := runReadings(t, spec, []float64{5, 12, 18}, time.Minute)
	want := []bool{false, false, true}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("reading %d: expected fired=%v, got %v", i, want[i], fired[i])
		}
	}
}

func TestTransition_MultipleReadingsBelowThresholdNeverFires(t *testing.T) {
	spec := specWithScope(automation.Scope{
		Type:       automation.ScopeMultipleReadings,
		MatchCount: 3,
		WindowSize: 4,
	})

	// Only ever 2 matches inside any 4-reading window.
	fired := runReadings(t, spec, []float64{12, 5, 18, 5, 12, 5}, time.Minute)
	for i, f := range fired {
		if f {
			t.Fatalf("reading %d: fired below match threshold", i)
		}
	}
}

func TestTransition_MultipleReadingsWindowEviction(t *testing.T) {
	spec := specWithScope(automation.Scope{
		Type:       automation.ScopeMultipleReadings,
		MatchCount: 2,
		WindowSize: 3,
	})

	// Matches at 0 and 4 are never inside the same window of 3.
	fired := runReadings(t, spec, []float64{12, 5, 5, 5, 12}, time.Minute)
	for i, f := range fired {
		if f {
			t.Fatalf("reading %d: matches outside a shared window must not fire", i)
		}
	}
}

func TestTransition_DurationFiresAfterHold(t *testing.T) {
	spec := specWithScope(automation.Scope{
		Type:     automation.ScopeReadingLongerThan,
		Duration: 5 * time.Minute,
	})
	state := automation.NewTriggerState(spec, "asset-1")
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		at    time.Duration
		value float64
		want  bool
	}{
		{0, 12, false},
		{2 * time.Minute, 14, false},
		{5 * time.Minute, 13, true}, // exactly the duration counts
		{6 * time.Minute, 13, false},
	}
	for i, step := range steps {
		reading := telemetry.MeterReading{MeterID: "meter-1", AssetID: "asset-1", Value: step.value, ObservedAt: base.Add(step.at)}
		matched := Evaluate(spec.Conditions, reading, state)
		if got := Transition(spec, state, reading, matched); got != step.want {
			t.Fatalf("step %d: expected fired=%v, got %v", i, step.want, got)
		}
	}
}

func TestTransition_DurationEpisodeBrokenByNonMatch(t *testing.T) {
	spec := specWithScope(automation.Scope{
		Type:     automation.ScopeReadingLongerThan,
		Duration: 5 * time.Minute,
	})
	state := automation.NewTriggerState(spec, "asset-1")
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		at    time.Duration
		value float64
		want  bool
	}{
		{0, 12, false},
		{2 * time.Minute, 14, false},
		{4 * time.Minute, 8, false}, // break: episode restarts from scratch
		{5 * time.Minute, 12, false},
		{9 * time.Minute, 13, false}, // only 4m since the restart
		{10 * time.Minute, 13, true}, // 5m since the restart
	}
	for i, step := range steps {
		reading := telemetry.MeterReading{MeterID: "meter-1", AssetID: "asset-1", Value: step.value, ObservedAt: base.Add(step.at)}
		matched := Evaluate(spec.Conditions, reading, state)
		if got := Transition(spec, state, reading, matched); got != step.want {
			t.Fatalf("step %d: expected fired=%v, got %v", i, step.want, got)
		}
	}
}

func TestTransition_AdvancesReadingBaselineAfterEvaluation(t *testing.T) {
	spec := automation.TriggerSpec{
		ID:      "trg-1",
		MeterID: "meter-1",
		Conditions: []automation.Condition{
			{Operator: automation.OperatorIncreasedFromLastReading, Value: 10},
		},
		Scope: automation.Scope{Type: automation.ScopeOneReading},
	}
	state := automation.NewTriggerState(spec, "asset-1")
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := telemetry.MeterReading{MeterID: "meter-1", AssetID: "asset-1", Value: 50, ObservedAt: base}
	matched := Evaluate(spec.Conditions, first, state)
	if Transition(spec, state, first, matched) {
		t.Fatal("first reading has no baseline and must not fire")
	}

	second := telemetry.MeterReading{MeterID: "meter-1", AssetID: "asset-1", Value: 61, ObservedAt: base.Add(time.Minute)}
	matched = Evaluate(spec.Conditions, second, state)
	if !Transition(spec, state, second, matched) {
		t.Fatal("expected +11 from previous reading to fire")
	}
	if state.LastReadingValue == nil || *state.LastReadingValue != 61 {
		t.Fatalf("expected baseline advanced to 61, got %v", state.LastReadingValue)
	}
}

func TestSweepDuration_FiresWithoutFreshReading(t *testing.T) {
	spec := specWithScope(automation.Scope{
		Type:     automation.ScopeReadingLongerThan,
		Duration: 5 * time.Minute,
	})
	state := automation.NewTriggerState(spec, "asset-1")
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	reading := telemetry.MeterReading{MeterID: "meter-1", AssetID: "asset-1", Value: 12, ObservedAt: base}
	matched := Evaluate(spec.Conditions, reading, state)
	if Transition(spec, state, reading, matched) {
		t.Fatal("first matching reading must not fire")
	}

	if _, fired := SweepDuration(spec, state, base.Add(4*time.Minute)); fired {
		t.Fatal("sweep before the duration elapsed must not fire")
	}
	value, fired := SweepDuration(spec, state, base.Add(5*time.Minute))
	if !fired {
		t.Fatal("expected sweep to fire once the duration elapsed")
	}
	if value != 12 {
		t.Fatalf("expected firing value 12, got %v", value)
	}
	if _, again := SweepDuration(spec, state, base.Add(6*time.Minute)); again {
		t.Fatal("sweep must not re-fire a latched trigger")
	}
}

func TestSweepDuration_IgnoresOtherScopes(t *testing.T) {
	spec := specWithScope(automation.Scope{Type: automation.ScopeOneReading})
	state := automation.NewTriggerState(spec, "asset-1")
	value := 12.0
	state.LastReadingValue = &value
	if _, fired := SweepDuration(spec, state, time.Now()); fired {
		t.Fatal("sweep must only fire duration scopes")
	}
}
