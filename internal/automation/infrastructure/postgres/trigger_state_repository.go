package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"cmms-automation/internal/automation/application"
	automation "cmms-automation/internal/automation/domain"
)

// TriggerStateRepository persists per-(trigger, asset) evaluation state so
// delta baselines and duration episodes survive restarts.
type TriggerStateRepository struct {
	db *sql.DB
}

// NewTriggerStateRepository constructs a repository.
func NewTriggerStateRepository(db *sql.DB) *TriggerStateRepository {
	return &TriggerStateRepository{db: db}
}

// Load fetches every persisted trigger state.
func (r *TriggerStateRepository) Load(ctx context.Context) ([]application.StoredState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("trigger state repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT trigger_id, asset_id, meter_id, fingerprint, fired, window_size,
       holding_since, recent_matches, last_fired_at, last_fired_value,
       last_reading_value, updated_at
FROM trigger_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []application.StoredState
	for rows.Next() {
		record, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Upsert inserts or updates one trigger state.
func (r *TriggerStateRepository) Upsert(ctx context.Context, record application.StoredState) error {
	if r == nil || r.db == nil {
		return errors.New("trigger state repo: nil db")
	}
	state := record.State
	if state == nil {
		return errors.New("trigger state repo: nil state")
	}
	var matches []byte
	windowSize := 0
	if state.RecentMatches != nil {
		windowSize = state.RecentMatches.Window()
		var err error
		matches, err = json.Marshal(state.RecentMatches.Snapshot())
		if err != nil {
			return err
		}
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO trigger_states (
	trigger_id, asset_id, meter_id, fingerprint, fired, window_size,
	holding_since, recent_matches, last_fired_at, last_fired_value,
	last_reading_value, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10,
	$11, $12
)
ON CONFLICT (trigger_id, asset_id)
DO UPDATE SET
	meter_id = EXCLUDED.meter_id,
	fingerprint = EXCLUDED.fingerprint,
	fired = EXCLUDED.fired,
	window_size = EXCLUDED.window_size,
	holding_since = EXCLUDED.holding_since,
	recent_matches = EXCLUDED.recent_matches,
	last_fired_at = EXCLUDED.last_fired_at,
	last_fired_value = EXCLUDED.last_fired_value,
	last_reading_value = EXCLUDED.last_reading_value,
	updated_at = EXCLUDED.updated_at`,
		state.TriggerID,
		state.AssetID,
		record.MeterID,
		state.Fingerprint,
		state.Fired,
		windowSize,
		nullTime(state.ConditionHoldingSince),
		matches,
		nullTime(state.LastFiredAt),
		nullFloat(state.LastFiredValue),
		nullFloat(state.LastReadingValue),
		updatedAt)
	return err
}

// Delete removes one trigger state.
func (r *TriggerStateRepository) Delete(ctx context.Context, triggerID, assetID string) error {
	if r == nil || r.db == nil {
		return errors.New("trigger state repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
DELETE FROM trigger_states WHERE trigger_id = $1 AND asset_id = $2`, triggerID, assetID)
	return err
}

func scanState(rows *sql.Rows) (application.StoredState, error) {
	var (
		state       automation.TriggerState
		meterID     string
		windowSize  int
		holding     sql.NullTime
		matches     []byte
		lastFiredAt sql.NullTime
		firedValue  sql.NullFloat64
		lastReading sql.NullFloat64
	)
	if err := rows.Scan(
		&state.TriggerID,
		&state.AssetID,
		&meterID,
		&state.Fingerprint,
		&state.Fired,
		&windowSize,
		&holding,
		&matches,
		&lastFiredAt,
		&firedValue,
		&lastReading,
		&state.UpdatedAt,
	); err != nil {
		return application.StoredState{}, err
	}
	if holding.Valid {
		at := holding.Time.UTC()
		state.ConditionHoldingSince = &at
	}
	if lastFiredAt.Valid {
		at := lastFiredAt.Time.UTC()
		state.LastFiredAt = &at
	}
	if firedValue.Valid {
		value := firedValue.Float64
		state.LastFiredValue = &value
	}
	if lastReading.Valid {
		value := lastReading.Float64
		state.LastReadingValue = &value
	}
	if windowSize > 0 {
		var recorded []bool
		if len(matches) > 0 {
			if err := json.Unmarshal(matches, &recorded); err != nil {
				return application.StoredState{}, err
			}
		}
		state.RecentMatches = automation.RestoreMatchRing(windowSize, recorded)
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return application.StoredState{MeterID: meterID, State: &state}, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
