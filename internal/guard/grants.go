package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

// GrantRepository is the allowance ledger. consumed/left changes go through
// exclusive row locks; everything else on the row is advisory refresh.
type GrantRepository struct {
	db *sql.DB
}

func NewGrantRepository(db *sql.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

const grantColumns = `
	g.id, g.fp, g.gid, g.ua_hash, g.ip_hash, g.first_ip,
	g.total, g.consumed, g.user_id, g.created_at, g.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (Grant, error) {
	var g Grant
	var userID sql.NullString
	err := row.Scan(
		&g.ID, &g.FP, &g.GID, &g.UAHash, &g.IPHash, &g.FirstIP,
		&g.Total, &g.Consumed, &userID, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return Grant{}, err
	}
	if userID.Valid {
		id := userID.String
		g.UserID = &id
	}
	return g, nil
}

const uniqueViolation = "23505"

// Create inserts a fresh ledger row with the fixed total and nothing
// consumed. Two simultaneous first-requests from one visitor race on the
// partial unique index over live grants; the loser re-queries and adopts the
// winner instead of surfacing an error.
func (r *GrantRepository) Create(ctx context.Context, sig signals.Signals, total int) (Grant, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Grant{}, false, fmt.Errorf("generate grant id: %w", err)
	}

	now := time.Now().UTC()
	grant := Grant{
		ID:        id.String(),
		FP:        sig.PrimaryFP(),
		GID:       sig.GID,
		UAHash:    sig.UAHash,
		IPHash:    sig.IPHash,
		FirstIP:   sig.FirstIP,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO guard_grants (id, fp, gid, ua_hash, ip_hash, first_ip, total, consumed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`, grant.ID, grant.FP, grant.GID, grant.UAHash, grant.IPHash, grant.FirstIP, grant.Total, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			winner, findErr := r.findLiveByUAHash(ctx, sig.UAHash)
			if findErr != nil {
				return Grant{}, false, findErr
			}
			if winner != nil {
				return *winner, false, nil
			}
		}
		return Grant{}, false, fmt.Errorf("insert grant: %w", err)
	}

	return grant, true, nil
}

func (r *GrantRepository) findLiveByUAHash(ctx context.Context, uaHash string) (*Grant, error) {
	grant, err := scanGrant(r.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+`
		FROM guard_grants g
		WHERE g.ua_hash = $1 AND g.user_id IS NULL
		ORDER BY g.created_at ASC
		LIMIT 1
	`, uaHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find live grant: %w", err)
	}

	return &grant, nil
}

func (r *GrantRepository) GetByID(ctx context.Context, id string) (Grant, error) {
	grant, err := scanGrant(r.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+` FROM guard_grants g WHERE g.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Grant{}, err
		}
		return Grant{}, fmt.Errorf("query grant: %w", err)
	}

	return grant, nil
}

// RefreshSignals keeps the stored tuple current on every touch so the next
// lookup from rotated cookies still converges here. Empty stable fields are
// filled in, set ones are left alone; the volatile ip_hash/first_ip always
// track the latest request. Advisory, last writer wins.
func (r *GrantRepository) RefreshSignals(ctx context.Context, id string, sig signals.Signals) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE guard_grants
		SET fp = CASE WHEN fp = '' THEN $2 ELSE fp END,
			gid = CASE WHEN gid = '' THEN $3 ELSE gid END,
			ip_hash = CASE WHEN $4 <> '' THEN $4 ELSE ip_hash END,
			first_ip = CASE WHEN $5 <> '' THEN $5 ELSE first_ip END,
			updated_at = NOW()
		WHERE id = $1
	`, id, sig.PrimaryFP(), sig.GID, sig.IPHash, sig.FirstIP)
	if err != nil {
		return fmt.Errorf("refresh grant signals: %w", err)
	}

	return nil
}

// Spend decrements the ledger under an exclusive row lock. The balance is
// re-read after the lock is held so two concurrent spends from the same
// visitor cannot over-draw; a request exceeding the remaining balance leaves
// the row untouched and reports zero spent.
func (r *GrantRepository) Spend(ctx context.Context, id string, amount int) (SpendResult, error) {
	if amount <= 0 {
		grant, err := r.GetByID(ctx, id)
		if err != nil {
			return SpendResult{}, err
		}
		return SpendResult{Spent: 0, Left: grant.Left()}, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return SpendResult{}, fmt.Errorf("begin spend tx: %w", err)
	}
	defer tx.Rollback()

	var total, consumed int
	err = tx.QueryRowContext(ctx, `
		SELECT total, consumed
		FROM guard_grants
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&total, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SpendResult{}, err
		}
		return SpendResult{}, fmt.Errorf("lock grant row: %w", err)
	}

	left := total - consumed
	if left < 0 {
		left = 0
	}
	if left < amount {
		if err := tx.Commit(); err != nil {
			return SpendResult{}, fmt.Errorf("commit spend tx: %w", err)
		}
		return SpendResult{Spent: 0, Left: left}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE guard_grants
		SET consumed = consumed + $2, updated_at = NOW()
		WHERE id = $1
	`, id, amount); err != nil {
		return SpendResult{}, fmt.Errorf("decrement grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SpendResult{}, fmt.Errorf("commit spend tx: %w", err)
	}

	return SpendResult{Spent: amount, Left: left - amount}, nil
}

// BindToUser ties the grant to an account, once. The remaining allowance is
// moved into the account balance inside the same transaction and the grant is
// force-exhausted so guest traffic can never draw from it again. Calling it
// for an already-bound grant is a no-op, which makes the sign-up and login
// hand-offs safely repeatable.
func (r *GrantRepository) BindToUser(ctx context.Context, id, userID string, transferLeft bool) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bind tx: %w", err)
	}
	defer tx.Rollback()

	var total, consumed int
	var boundTo sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT total, consumed, user_id
		FROM guard_grants
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&total, &consumed, &boundTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("lock grant row: %w", err)
	}

	if boundTo.Valid {
		// Already retired; never credit twice, regardless of which user won.
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit bind tx: %w", err)
		}
		return 0, nil
	}

	left := int64(total - consumed)
	if left < 0 {
		left = 0
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE guard_grants
		SET user_id = $2, consumed = total, updated_at = NOW()
		WHERE id = $1
	`, id, userID); err != nil {
		return 0, fmt.Errorf("retire grant: %w", err)
	}

	credited := int64(0)
	if transferLeft && left > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE users
			SET token_balance = token_balance + $2, updated_at = NOW()
			WHERE id = $1
		`, userID, left)
		if err != nil {
			return 0, fmt.Errorf("credit wallet: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("credit wallet rows affected: %w", err)
		}
		if affected == 0 {
			return 0, fmt.Errorf("credit wallet: user %s not found", userID)
		}
		credited = left
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bind tx: %w", err)
	}

	return credited, nil
}
