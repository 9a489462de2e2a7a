package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cmms-automation/internal/automation/application"
	automation "cmms-automation/internal/automation/domain"
)

// FailedFiringRepository keeps durable records of dispatches that exhausted
// their retries, for operator review.
type FailedFiringRepository struct {
	db *sql.DB
}

// NewFailedFiringRepository constructs a repository.
func NewFailedFiringRepository(db *sql.DB) *FailedFiringRepository {
	return &FailedFiringRepository{db: db}
}

// Record stores one failed firing. Conflicts on the idempotency key update
// the existing row, so a re-failed retry does not duplicate records.
func (r *FailedFiringRepository) Record(ctx context.Context, failure application.FailedFiring) error {
	if r == nil || r.db == nil {
		return errors.New("failed firing repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO failed_firings (
	idempotency_key, automation_id, trigger_id, asset_id, action_type,
	value, fired_at, failed_at, reason, attempts
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10
)
ON CONFLICT (idempotency_key, action_type)
DO UPDATE SET
	failed_at = EXCLUDED.failed_at,
	reason = EXCLUDED.reason,
	attempts = EXCLUDED.attempts`,
		failure.IdempotencyKey,
		failure.AutomationID,
		failure.TriggerID,
		failure.AssetID,
		string(failure.ActionType),
		failure.Value,
		failure.FiredAt.UTC(),
		failure.FailedAt.UTC(),
		failure.Reason,
		failure.Attempts)
	return err
}

// ListBetween returns failed firings inside a time range, newest first.
func (r *FailedFiringRepository) ListBetween(ctx context.Context, from, to time.Time) ([]application.FailedFiring, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("failed firing repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT idempotency_key, automation_id, trigger_id, asset_id, action_type,
       value, fired_at, failed_at, reason, attempts
FROM failed_firings
WHERE failed_at >= $1 AND failed_at < $2
ORDER BY failed_at DESC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []application.FailedFiring
	for rows.Next() {
		var failure application.FailedFiring
		var actionType string
		if err := rows.Scan(
			&failure.IdempotencyKey,
			&failure.AutomationID,
			&failure.TriggerID,
			&failure.AssetID,
			&actionType,
			&failure.Value,
			&failure.FiredAt,
			&failure.FailedAt,
			&failure.Reason,
			&failure.Attempts,
		); err != nil {
			return nil, err
		}
		failure.ActionType = automation.ActionType(actionType)
		failure.FiredAt = failure.FiredAt.UTC()
		failure.FailedAt = failure.FailedAt.UTC()
		out = append(out, failure)
	}
	return out, rows.Err()
}
