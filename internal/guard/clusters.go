package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

// ClusterRepository maintains the abuse cluster index: sets of identifier
// values believed to belong to one real visitor. Ownership of an identifier
// value is first-writer-wins, enforced by the (kind, value) primary key.
type ClusterRepository struct {
	db *sql.DB
}

func NewClusterRepository(db *sql.DB) *ClusterRepository {
	return &ClusterRepository{db: db}
}

// identifierPairs lists the (kind, value) pairs a signal tuple contributes.
// The IP hash is recorded for statistics but never used to match clusters.
func identifierPairs(sig signals.Signals) [][2]string {
	pairs := make([][2]string, 0, 4)
	if sig.UAHash != "" {
		pairs = append(pairs, [2]string{KindUA, sig.UAHash})
	}
	if fp := sig.PrimaryFP(); fp != "" {
		pairs = append(pairs, [2]string{KindFP, fp})
	}
	if sig.GID != "" {
		pairs = append(pairs, [2]string{KindGID, sig.GID})
	}
	if sig.IPHash != "" {
		pairs = append(pairs, [2]string{KindIP, sig.IPHash})
	}
	return pairs
}

// FindFor resolves the cluster owning any of the tuple's matchable
// identifiers, preferring the anchor. Returns nil when no cluster matches.
func (r *ClusterRepository) FindFor(ctx context.Context, sig signals.Signals) (*Cluster, error) {
	var clusterID string
	err := r.db.QueryRowContext(ctx, `
		SELECT cluster_id
		FROM guard_cluster_identifiers
		WHERE (kind = $1 AND value = $2)
		   OR (kind = $3 AND value <> '' AND value = $4)
		   OR (kind = $5 AND value <> '' AND value = $6)
		ORDER BY CASE kind WHEN $1 THEN 0 WHEN $3 THEN 1 ELSE 2 END, created_at ASC
		LIMIT 1
	`, AnchorKind, sig.UAHash, KindFP, sig.PrimaryFP(), KindGID, sig.GID).Scan(&clusterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("match cluster identifiers: %w", err)
	}

	return r.getByID(ctx, clusterID)
}

// EnsureFor resolves or creates the cluster for a signal tuple and attaches
// any identifier values it does not yet own. Attachment conflicts keep the
// pre-existing owner: two clusters are never merged here, even when a tuple
// links them transitively. When two first-requests race on cluster creation
// the identifier insert arbitrates; the loser's empty cluster row is left
// behind and the anchor's owner is returned.
func (r *ClusterRepository) EnsureFor(ctx context.Context, sig signals.Signals, guestJobsLimit int) (Cluster, error) {
	if sig.UAHash == "" {
		return Cluster{}, ErrMissingAnchor
	}

	cluster, err := r.FindFor(ctx, sig)
	if err != nil {
		return Cluster{}, err
	}

	if cluster == nil {
		id, err := uuid.NewV7()
		if err != nil {
			return Cluster{}, fmt.Errorf("generate cluster id: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO guard_clusters (id, ua_hash, guest_jobs_used, guest_jobs_limit)
			VALUES ($1, $2, 0, $3)
		`, id.String(), sig.UAHash, guestJobsLimit); err != nil {
			return Cluster{}, fmt.Errorf("insert cluster: %w", err)
		}
		cluster = &Cluster{ID: id.String(), UAHash: sig.UAHash, GuestJobsLimit: guestJobsLimit}
	}

	for _, pair := range identifierPairs(sig) {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO guard_cluster_identifiers (kind, value, cluster_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (kind, value) DO NOTHING
		`, pair[0], pair[1], cluster.ID); err != nil {
			return Cluster{}, fmt.Errorf("attach cluster identifier: %w", err)
		}
	}

	// Re-read through the anchor so concurrent creators converge on the
	// identifier insert's winner.
	var ownerID string
	err = r.db.QueryRowContext(ctx, `
		SELECT cluster_id FROM guard_cluster_identifiers
		WHERE kind = $1 AND value = $2
	`, AnchorKind, sig.UAHash).Scan(&ownerID)
	if err != nil {
		return Cluster{}, fmt.Errorf("resolve anchor owner: %w", err)
	}
	if ownerID != cluster.ID {
		owner, err := r.getByID(ctx, ownerID)
		if err != nil {
			return Cluster{}, err
		}
		if owner != nil {
			return *owner, nil
		}
	}

	return *cluster, nil
}

// FindClusterGrant returns the oldest non-retired grant matching any of the
// cluster's identifier values by kind. Oldest-first keeps a visitor whose
// signals overlap several candidates converging on one ledger instead of
// resetting onto a newer, fuller one.
func (r *ClusterRepository) FindClusterGrant(ctx context.Context, clusterID string) (*Grant, error) {
	grant, err := scanGrant(r.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+`
		FROM guard_grants g
		WHERE g.user_id IS NULL
		  AND EXISTS (
			SELECT 1 FROM guard_cluster_identifiers ci
			WHERE ci.cluster_id = $1
			  AND (
				(ci.kind = 'fp' AND g.fp <> '' AND ci.value = g.fp)
				OR (ci.kind = 'gid' AND g.gid <> '' AND ci.value = g.gid)
				OR (ci.kind = 'ua' AND g.ua_hash <> '' AND ci.value = g.ua_hash)
				OR (ci.kind = 'ip' AND g.ip_hash <> '' AND ci.value = g.ip_hash)
			  )
		  )
		ORDER BY g.created_at ASC
		LIMIT 1
	`, clusterID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find cluster grant: %w", err)
	}

	return &grant, nil
}

// BumpGuestJobs advances the defense-in-depth job counter. Advisory: races
// are tolerated, the grant ledger is the enforcing record.
func (r *ClusterRepository) BumpGuestJobs(ctx context.Context, clusterID string, amount int) error {
	if amount <= 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE guard_clusters
		SET guest_jobs_used = guest_jobs_used + $2
		WHERE id = $1
	`, clusterID, amount)
	if err != nil {
		return fmt.Errorf("bump guest jobs: %w", err)
	}

	return nil
}

func (r *ClusterRepository) getByID(ctx context.Context, id string) (*Cluster, error) {
	var c Cluster
	err := r.db.QueryRowContext(ctx, `
		SELECT id, ua_hash, guest_jobs_used, guest_jobs_limit, created_at
		FROM guard_clusters
		WHERE id = $1
	`, id).Scan(&c.ID, &c.UAHash, &c.GuestJobsUsed, &c.GuestJobsLimit, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cluster: %w", err)
	}

	return &c, nil
}
