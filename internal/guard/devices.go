package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

// DeviceRepository persists one row per unique signal tuple ever observed.
// Rows are never deleted; blocking state must survive indefinitely.
type DeviceRepository struct {
	db *sql.DB
}

func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `
	id, fp, gid, ip_hash, ua_hash, server_fp, first_ip,
	is_blocked, is_vpn_detected, is_incognito_detected,
	bypass_attempts, last_bypass_attempt, free_grant_id,
	created_at, updated_at`

func scanDevice(row *sql.Row) (Device, error) {
	var d Device
	var lastBypass sql.NullTime
	var grantID sql.NullString
	err := row.Scan(
		&d.ID, &d.FP, &d.GID, &d.IPHash, &d.UAHash, &d.ServerFP, &d.FirstIP,
		&d.IsBlocked, &d.IsVPNDetected, &d.IsIncognitoDetected,
		&d.BypassAttempts, &lastBypass, &grantID,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Device{}, err
	}
	if lastBypass.Valid {
		t := lastBypass.Time.UTC()
		d.LastBypassAttempt = &t
	}
	if grantID.Valid {
		id := grantID.String
		d.FreeGrantID = &id
	}
	return d, nil
}

// Find resolves the device for a signal tuple without creating anything.
// Lookup prefers the most specific match (fp, then gid, then ip+ua pair) so
// one visitor does not fragment into several rows. Returns nil when no row
// matches.
func (r *DeviceRepository) Find(ctx context.Context, sig signals.Signals) (*Device, error) {
	type probe struct {
		where string
		args  []any
	}

	probes := make([]probe, 0, 3)
	if fp := sig.PrimaryFP(); fp != "" {
		probes = append(probes, probe{`fp = $1`, []any{fp}})
	}
	if sig.GID != "" {
		probes = append(probes, probe{`gid = $1`, []any{sig.GID}})
	}
	if sig.IPHash != "" && sig.UAHash != "" {
		probes = append(probes, probe{`ip_hash = $1 AND ua_hash = $2`, []any{sig.IPHash, sig.UAHash}})
	}

	for _, p := range probes {
		query := `SELECT ` + deviceColumns + ` FROM guard_devices WHERE ` + p.where + ` ORDER BY created_at ASC LIMIT 1`
		device, err := scanDevice(r.db.QueryRowContext(ctx, query, p.args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("query device: %w", err)
		}
		return &device, nil
	}

	return nil, nil
}

// GetOrCreate resolves or inserts the device for a signal tuple. On a hit the
// volatile fields (ip_hash, first_ip, suspicion flags) are refreshed and the
// session key is merged; stable fields that are already set are never
// overwritten. Concurrent upserts of the same tuple are a benign race: the
// fields are advisory, last writer wins.
func (r *DeviceRepository) GetOrCreate(ctx context.Context, sig signals.Signals) (Device, bool, error) {
	now := time.Now().UTC()

	existing, err := r.Find(ctx, sig)
	if err != nil {
		return Device{}, false, err
	}

	if existing != nil {
		_, err = r.db.ExecContext(ctx, `
			UPDATE guard_devices
			SET fp = CASE WHEN fp = '' THEN $2 ELSE fp END,
				gid = CASE WHEN gid = '' THEN $3 ELSE gid END,
				ua_hash = CASE WHEN ua_hash = '' THEN $4 ELSE ua_hash END,
				server_fp = CASE WHEN server_fp = '' THEN $5 ELSE server_fp END,
				ip_hash = CASE WHEN $6 <> '' THEN $6 ELSE ip_hash END,
				first_ip = CASE WHEN first_ip = '' THEN $7 ELSE first_ip END,
				is_vpn_detected = is_vpn_detected OR $8,
				is_incognito_detected = is_incognito_detected OR $9,
				updated_at = $10
			WHERE id = $1
		`, existing.ID, sig.PrimaryFP(), sig.GID, sig.UAHash, sig.ServerFP,
			sig.IPHash, sig.FirstIP, sig.VPNSuspected, sig.IncognitoSuspected, now)
		if err != nil {
			return Device{}, false, fmt.Errorf("refresh device: %w", err)
		}

		if err := r.appendSession(ctx, existing.ID, sig.SessionKey); err != nil {
			return Device{}, false, err
		}

		refreshed, err := scanDevice(r.db.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM guard_devices WHERE id = $1`, existing.ID))
		if err != nil {
			return Device{}, false, fmt.Errorf("reload device: %w", err)
		}
		return refreshed, false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Device{}, false, fmt.Errorf("generate device id: %w", err)
	}

	device := Device{
		ID:                  id.String(),
		FP:                  sig.PrimaryFP(),
		GID:                 sig.GID,
		IPHash:              sig.IPHash,
		UAHash:              sig.UAHash,
		ServerFP:            sig.ServerFP,
		FirstIP:             sig.FirstIP,
		IsVPNDetected:       sig.VPNSuspected,
		IsIncognitoDetected: sig.IncognitoSuspected,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO guard_devices (
			id, fp, gid, ip_hash, ua_hash, server_fp, first_ip,
			is_blocked, is_vpn_detected, is_incognito_detected,
			bypass_attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, 0, $10, $10)
	`, device.ID, device.FP, device.GID, device.IPHash, device.UAHash,
		device.ServerFP, device.FirstIP, device.IsVPNDetected, device.IsIncognitoDetected, now)
	if err != nil {
		return Device{}, false, fmt.Errorf("insert device: %w", err)
	}

	if err := r.appendSession(ctx, device.ID, sig.SessionKey); err != nil {
		return Device{}, false, err
	}

	return device, true, nil
}

func (r *DeviceRepository) appendSession(ctx context.Context, deviceID, sessionKey string) error {
	if sessionKey == "" {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guard_device_sessions (device_id, session_key)
		VALUES ($1, $2)
		ON CONFLICT (device_id, session_key) DO NOTHING
	`, deviceID, sessionKey)
	if err != nil {
		return fmt.Errorf("append device session: %w", err)
	}

	return nil
}

// RegisterBypassAttempt bumps the bypass counter after a denied grant. Kept
// separate from the pure policy check so the check itself stays side-effect
// free.
func (r *DeviceRepository) RegisterBypassAttempt(ctx context.Context, deviceID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE guard_devices
		SET bypass_attempts = bypass_attempts + 1,
			last_bypass_attempt = $2,
			updated_at = $2
		WHERE id = $1
	`, deviceID, now.UTC())
	if err != nil {
		return fmt.Errorf("register bypass attempt: %w", err)
	}

	return nil
}

// AttachGrant records the grant reference on the device for per-device stats.
func (r *DeviceRepository) AttachGrant(ctx context.Context, deviceID, grantID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE guard_devices
		SET free_grant_id = $2, updated_at = NOW()
		WHERE id = $1
	`, deviceID, grantID)
	if err != nil {
		return fmt.Errorf("attach grant to device: %w", err)
	}

	return nil
}

// Block flags a device so it can never receive or spend a grant again.
func (r *DeviceRepository) Block(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE guard_devices
		SET is_blocked = TRUE, updated_at = NOW()
		WHERE id = $1
	`, deviceID)
	if err != nil {
		return fmt.Errorf("block device: %w", err)
	}

	return nil
}
