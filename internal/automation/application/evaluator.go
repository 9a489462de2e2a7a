package application

import (
	automation "cmms-automation/internal/automation/domain"
	telemetry "cmms-automation/internal/telemetry/domain"
)

// Evaluate reports whether any of a trigger's conditions matches the reading.
// Conditions are OR'd. Delta operators evaluate to false until their baseline
// exists; a trigger cannot fire on delta semantics before a prior reading or
// firing. Equality uses exact float comparison, no epsilon, so integer-like
// meter units behave predictably.
func Evaluate(conditions []automation.Condition, reading telemetry.MeterReading, state *automation.TriggerState) bool {
	for _, condition := range conditions {
		if matchCondition(condition, reading.Value, state) {
			return true
		}
	}
	return false
}

func matchCondition(condition automation.Condition, value float64, state *automation.TriggerState) bool {
	switch condition.Operator {
	case automation.OperatorEqual:
		return value == condition.Value
	case automation.OperatorNotEqual:
		return value != condition.Value
	case automation.OperatorGreater:
		return value > condition.Value
	case automation.OperatorLess:
		return value < condition.Value
	case automation.OperatorGreaterOrEqual:
		return value >= condition.Value
	case automation.OperatorLessOrEqual:
		return value <= condition.Value
	case automation.OperatorBetween:
		low, high := condition.Bounds()
		return value >= low && value <= high
	case automation.OperatorIncreasedFromLastTrigger:
		baseline, ok := triggerBaseline(state)
		return ok && value-baseline >= condition.Value
	case automation.OperatorDecreasedFromLastTrigger:
		baseline, ok := triggerBaseline(state)
		return ok && baseline-value >= condition.Value
	case automation.OperatorIncreasedFromLastReading:
		baseline, ok := readingBaseline(state)
		return ok && value-baseline >= condition.Value
	case automation.OperatorDecreasedFromLastReading:
		baseline, ok := readingBaseline(state)
		return ok && baseline-value >= condition.Value
	default:
		return false
	}
}

func triggerBaseline(state *automation.TriggerState) (float64, bool) {
	if state == nil || state.LastFiredValue == nil {
		return 0, false
	}
	return *state.LastFiredValue, true
}

func readingBaseline(state *automation.TriggerState) (float64, bool) {
	if state == nil || state.LastReadingValue == nil {
		return 0, false
	}
	return *state.LastReadingValue, true
}
