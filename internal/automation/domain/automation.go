package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType identifies what a firing does. Wire tokens, fixed.
type ActionType string

const (
	ActionCreateWorkOrder   ActionType = "create_work_order"
	ActionChangeAssetStatus ActionType = "change_asset_status"
)

// Valid returns true when the action type is supported.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateWorkOrder, ActionChangeAssetStatus:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown action tokens at load time.
func (t *ActionType) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	parsed := ActionType(token)
	if !parsed.Valid() {
		return fmt.Errorf("automation: unknown action type %q", token)
	}
	*t = parsed
	return nil
}

// WorkOrderTemplate carries the fields copied onto a created work order.
type WorkOrderTemplate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

// ActionSpec is one configured effect of a firing.
type ActionSpec struct {
	Type ActionType `json:"type"`

	// create_work_order
	WorkOrder            *WorkOrderTemplate `json:"work_order,omitempty"`
	OnlyIfPreviousClosed bool               `json:"only_if_previous_closed,omitempty"`

	// change_asset_status
	AssetStatus string `json:"asset_status,omitempty"`
}

// Validate checks action invariants.
func (a ActionSpec) Validate() error {
	switch a.Type {
	case ActionCreateWorkOrder:
		if a.WorkOrder == nil || a.WorkOrder.Title == "" {
			return errors.New("automation: create_work_order requires a titled template")
		}
	case ActionChangeAssetStatus:
		if a.AssetStatus == "" {
			return errors.New("automation: change_asset_status requires a status")
		}
	default:
		return fmt.Errorf("automation: unknown action type %q", a.Type)
	}
	return nil
}

// Automation binds triggers to actions. Disabled automations are excluded
// from evaluation but keep their trigger state for re-enable.
type Automation struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Enabled   bool          `json:"enabled"`
	Triggers  []TriggerSpec `json:"triggers"`
	Actions   []ActionSpec  `json:"actions"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// Validate checks automation invariants.
func (a Automation) Validate() error {
	if a.ID == "" {
		return errors.New("automation: missing id")
	}
	if a.Name == "" {
		return fmt.Errorf("automation: %s missing name", a.ID)
	}
	if len(a.Triggers) == 0 {
		return fmt.Errorf("automation: %s has no triggers", a.ID)
	}
	if len(a.Actions) == 0 {
		return fmt.Errorf("automation: %s has no actions", a.ID)
	}
	seen := make(map[string]struct{}, len(a.Triggers))
	for _, trigger := range a.Triggers {
		if err := trigger.Validate(); err != nil {
			return err
		}
		if _, dup := seen[trigger.ID]; dup {
			return fmt.Errorf("automation: %s has duplicate trigger id %s", a.ID, trigger.ID)
		}
		seen[trigger.ID] = struct{}{}
	}
	for _, action := range a.Actions {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("automation: %s: %w", a.ID, err)
		}
	}
	return nil
}
