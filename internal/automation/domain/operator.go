package automation

import (
	"encoding/json"
	"fmt"
)

// Operator identifies a condition comparison. The string values are the wire
// tokens stored in existing automation configurations and must not change.
type Operator string

const (
	OperatorEqual          Operator = "eq"
	OperatorNotEqual       Operator = "ne"
	OperatorGreater        Operator = "gt"
	OperatorLess           Operator = "lt"
	OperatorGreaterOrEqual Operator = "gte"
	OperatorLessOrEqual    Operator = "lte"
	OperatorBetween        Operator = "between"

	OperatorDecreasedFromLastTrigger Operator = "decreases_by_from_last_trigger"
	OperatorIncreasedFromLastTrigger Operator = "increases_by_from_last_trigger"
	OperatorIncreasedFromLastReading Operator = "increases_by_from_last_reading"
	OperatorDecreasedFromLastReading Operator = "decreases_by_from_last_reading"
)

// Valid returns true when the operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEqual, OperatorNotEqual,
		OperatorGreater, OperatorLess,
		OperatorGreaterOrEqual, OperatorLessOrEqual,
		OperatorBetween,
		OperatorDecreasedFromLastTrigger, OperatorIncreasedFromLastTrigger,
		OperatorIncreasedFromLastReading, OperatorDecreasedFromLastReading:
		return true
	default:
		return false
	}
}

// IsDelta returns true for operators that compare against a baseline value.
func (o Operator) IsDelta() bool {
	switch o {
	case OperatorDecreasedFromLastTrigger, OperatorIncreasedFromLastTrigger,
		OperatorIncreasedFromLastReading, OperatorDecreasedFromLastReading:
		return true
	default:
		return false
	}
}

// UsesTriggerBaseline returns true when the baseline is the value at the
// trigger's last firing rather than the previous reading.
func (o Operator) UsesTriggerBaseline() bool {
	return o == OperatorDecreasedFromLastTrigger || o == OperatorIncreasedFromLastTrigger
}

// UnmarshalJSON rejects unknown operator tokens at load time so the
// evaluator never sees them.
func (o *Operator) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	parsed, err := ParseOperator(token)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOperator validates a wire token. Unknown tokens are rejected at load
// time so the evaluator never sees them.
func ParseOperator(token string) (Operator, error) {
	op := Operator(token)
	if !op.Valid() {
		return "", fmt.Errorf("automation: unknown operator %q", token)
	}
	return op, nil
}
