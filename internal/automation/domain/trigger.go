package automation

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// TriggerSpec is the immutable "when" clause of an automation: a meter, a set
// of OR'd conditions and a firing scope. AssetID may be empty when the meter
// has no fixed asset; the asset is then taken from each reading.
type TriggerSpec struct {
	ID         string      `json:"id"`
	MeterID    string      `json:"meter_id"`
	AssetID    string      `json:"asset_id,omitempty"`
	Conditions []Condition `json:"conditions"`
	Scope      Scope       `json:"scope"`
}

// Validate checks trigger invariants.
func (t TriggerSpec) Validate() error {
	if t.ID == "" {
		return errors.New("automation: trigger missing id")
	}
	if t.MeterID == "" {
		return fmt.Errorf("automation: trigger %s missing meter id", t.ID)
	}
	if len(t.Conditions) == 0 {
		return fmt.Errorf("automation: trigger %s has no conditions", t.ID)
	}
	for _, cond := range t.Conditions {
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("automation: trigger %s: %w", t.ID, err)
		}
	}
	return t.Scope.Validate()
}

// Fingerprint identifies a spec generation. Editing a trigger changes the
// fingerprint, which discards any accumulated state for the old generation.
func (t TriggerSpec) Fingerprint() string {
	payload, err := json.Marshal(t)
	if err != nil {
		return t.ID
	}
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:8])
}
