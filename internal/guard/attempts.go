package guard

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttemptRepository is the append-only audit log of grant decisions. It is
// never read on the request path; retention pruning is the only other access.
type AttemptRepository struct {
	db *sql.DB
}

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) Record(ctx context.Context, attempt Attempt) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate attempt id: %w", err)
	}

	var deviceID any
	if attempt.DeviceID != "" {
		deviceID = attempt.DeviceID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO guard_grant_attempts (
			id, fp, gid, ua_hash, ip_hash, first_ip, session_key,
			was_granted, was_blocked, reason, device_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id.String(), attempt.FP, attempt.GID, attempt.UAHash, attempt.IPHash,
		attempt.FirstIP, attempt.SessionKey, attempt.WasGranted, attempt.WasBlocked,
		attempt.Reason, deviceID)
	if err != nil {
		return fmt.Errorf("insert grant attempt: %w", err)
	}

	return nil
}

// DeleteOlderThan prunes audit rows past the retention cutoff in batches.
func (r *AttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM guard_grant_attempts
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM guard_grant_attempts t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale grant attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale grant attempts rows affected: %w", err)
	}

	return affected, nil
}
