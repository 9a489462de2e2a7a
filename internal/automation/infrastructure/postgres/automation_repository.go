package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	automation "cmms-automation/internal/automation/domain"
)

// AutomationRepository stores automation definitions written by the
// configuration UI.
type AutomationRepository struct {
	db *sql.DB
}

// NewAutomationRepository constructs a repository.
func NewAutomationRepository(db *sql.DB) *AutomationRepository {
	return &AutomationRepository{db: db}
}

// LoadAutomations lists every stored automation, enabled or not. Rows whose
// trigger or action payload no longer decodes are skipped by the caller's
// validation, not here.
func (r *AutomationRepository) LoadAutomations(ctx context.Context) ([]automation.Automation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("automation repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, enabled, triggers, actions, updated_at
FROM automations
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []automation.Automation
	for rows.Next() {
		var item automation.Automation
		var triggers, actions []byte
		if err := rows.Scan(&item.ID, &item.Name, &item.Enabled, &triggers, &actions, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(triggers, &item.Triggers); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(actions, &item.Actions); err != nil {
			return nil, err
		}
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get fetches one automation by id.
func (r *AutomationRepository) Get(ctx context.Context, id string) (*automation.Automation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("automation repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, enabled, triggers, actions, updated_at
FROM automations
WHERE id = $1`, id)

	var item automation.Automation
	var triggers, actions []byte
	if err := row.Scan(&item.ID, &item.Name, &item.Enabled, &triggers, &actions, &item.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, automation.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(triggers, &item.Triggers); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actions, &item.Actions); err != nil {
		return nil, err
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

// Upsert inserts or replaces an automation definition.
func (r *AutomationRepository) Upsert(ctx context.Context, item automation.Automation) error {
	if r == nil || r.db == nil {
		return errors.New("automation repo: nil db")
	}
	if err := item.Validate(); err != nil {
		return err
	}
	triggers, err := json.Marshal(item.Triggers)
	if err != nil {
		return err
	}
	actions, err := json.Marshal(item.Actions)
	if err != nil {
		return err
	}
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO automations (id, name, enabled, triggers, actions, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	enabled = EXCLUDED.enabled,
	triggers = EXCLUDED.triggers,
	actions = EXCLUDED.actions,
	updated_at = EXCLUDED.updated_at`,
		item.ID, item.Name, item.Enabled, triggers, actions, updatedAt)
	return err
}

// Delete removes an automation definition.
func (r *AutomationRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("automation repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM automations WHERE id = $1`, id)
	return err
}
