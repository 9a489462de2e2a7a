package automation

import "fmt"

// Condition is one comparison within a trigger. SecondValue is used only by
// the between operator as the other bound.
type Condition struct {
	Operator    Operator `json:"operator"`
	Value       float64  `json:"value"`
	SecondValue *float64 `json:"second_value,omitempty"`
}

// Validate checks condition invariants.
func (c Condition) Validate() error {
	if !c.Operator.Valid() {
		return fmt.Errorf("automation: unknown operator %q", c.Operator)
	}
	if c.Operator == OperatorBetween && c.SecondValue == nil {
		return fmt.Errorf("automation: between requires a second value")
	}
	return nil
}

// Bounds returns the inclusive low/high range of a between condition. The UI
// does not guarantee input order, so the bounds are sorted here.
func (c Condition) Bounds() (float64, float64) {
	low, high := c.Value, c.Value
	if c.SecondValue != nil {
		if *c.SecondValue < low {
			low = *c.SecondValue
		}
		if *c.SecondValue > high {
			high = *c.SecondValue
		}
	}
	return low, high
}
