package guard

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/kanefrayzy/pixera-sub000/internal/observability"
	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

const (
	defaultGrantTotal        = 30
	defaultMaxBypassAttempts = 5
	defaultBypassWindow      = time.Hour
	defaultGuestJobsLimit    = 100
)

// Denial reasons. Everything here renders to the caller as the single
// user-facing exhaustion message; the distinction is audit-only.
const (
	ReasonBlocked         = "blocked"
	ReasonTooManyAttempts = "too many attempts"
	ReasonInsufficient    = "insufficient balance"
	ReasonJobCapReached   = "guest job cap reached"
	ReasonUnverified      = "could not verify quota"
	ReasonUnidentified    = "unidentified"
)

// MsgNoFreeGenerations is the one user-facing text for every guest denial.
const MsgNoFreeGenerations = "no more free generations — please sign in"

var (
	// ErrMissingAnchor means the request carried no user-agent hash. Without
	// the anchor there is nothing to cluster or audit against.
	ErrMissingAnchor = errors.New("missing anchor signal")
	// ErrGrantBound means the resolved grant already belongs to an account.
	ErrGrantBound = errors.New("grant already bound to a user")
	// ErrQuotaUnavailable is the fail-closed downgrade of any storage
	// failure: quota that cannot be verified is quota that is not granted.
	ErrQuotaUnavailable = errors.New("could not verify quota")
)

// BlockedError is the policy denial for a device that may not receive tokens.
type BlockedError struct {
	Reason string
}

func (e BlockedError) Error() string {
	return "device denied: " + e.Reason
}

type DeviceStore interface {
	Find(ctx context.Context, sig signals.Signals) (*Device, error)
	GetOrCreate(ctx context.Context, sig signals.Signals) (Device, bool, error)
	RegisterBypassAttempt(ctx context.Context, deviceID string, now time.Time) error
	AttachGrant(ctx context.Context, deviceID, grantID string) error
}

type ClusterStore interface {
	FindFor(ctx context.Context, sig signals.Signals) (*Cluster, error)
	EnsureFor(ctx context.Context, sig signals.Signals, guestJobsLimit int) (Cluster, error)
	FindClusterGrant(ctx context.Context, clusterID string) (*Grant, error)
	BumpGuestJobs(ctx context.Context, clusterID string, amount int) error
}

type GrantStore interface {
	Create(ctx context.Context, sig signals.Signals, total int) (Grant, bool, error)
	GetByID(ctx context.Context, id string) (Grant, error)
	RefreshSignals(ctx context.Context, id string, sig signals.Signals) error
	Spend(ctx context.Context, id string, amount int) (SpendResult, error)
	BindToUser(ctx context.Context, id, userID string, transferLeft bool) (int64, error)
}

type AttemptStore interface {
	Record(ctx context.Context, attempt Attempt) error
}

// Config holds the guest quota policy knobs.
type Config struct {
	// GrantTotal is the fixed allowance a fresh grant starts with.
	GrantTotal int
	// MaxBypassAttempts is the ceiling on denied-grant retries before a
	// device is refused outright.
	MaxBypassAttempts int
	// BypassWindow is the recency window the ceiling applies within; an old
	// streak of denials ages out.
	BypassWindow time.Duration
	// GuestJobsLimit caps total spend calls per cluster, defense in depth on
	// top of the ledger itself. Zero disables the cap.
	GuestJobsLimit int
}

func DefaultConfig() Config {
	return Config{
		GrantTotal:        defaultGrantTotal,
		MaxBypassAttempts: defaultMaxBypassAttempts,
		BypassWindow:      defaultBypassWindow,
		GuestJobsLimit:    defaultGuestJobsLimit,
	}
}

// Service is the security facade over the guest quota subsystem. It is the
// only entry point features use: ensure a usable grant, spend against it, or
// project its state. All methods run synchronously to completion; the only
// serialized step is the ledger's locked spend.
type Service struct {
	devices  DeviceStore
	clusters ClusterStore
	grants   GrantStore
	attempts AttemptStore
	logger   *observability.Logger
	cfg      Config

	now func() time.Time
}

func NewService(devices DeviceStore, clusters ClusterStore, grants GrantStore, attempts AttemptStore, logger *observability.Logger, cfg Config) *Service {
	if cfg.GrantTotal <= 0 {
		cfg.GrantTotal = defaultGrantTotal
	}
	if cfg.MaxBypassAttempts <= 0 {
		cfg.MaxBypassAttempts = defaultMaxBypassAttempts
	}
	if cfg.BypassWindow <= 0 {
		cfg.BypassWindow = defaultBypassWindow
	}

	return &Service{
		devices:  devices,
		clusters: clusters,
		grants:   grants,
		attempts: attempts,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// canGetTokens is the pure device policy check. It never mutates anything;
// bumping the bypass counter on denial is the caller's job.
func (s *Service) canGetTokens(device Device) (bool, string) {
	if device.IsBlocked {
		return false, ReasonBlocked
	}
	if device.BypassAttempts >= s.cfg.MaxBypassAttempts &&
		device.LastBypassAttempt != nil &&
		s.now().Sub(*device.LastBypassAttempt) < s.cfg.BypassWindow {
		return false, ReasonTooManyAttempts
	}
	return true, ""
}

// EnsureGuestGrant resolves the visitor's cluster and hands back its grant,
// creating one only when the cluster has none and the device is allowed to
// receive tokens. Rotated cookies, fingerprints or IPs sharing the anchor all
// converge on the same ledger row; a grant is reused, never reset.
func (s *Service) EnsureGuestGrant(ctx context.Context, sig signals.Signals) (Grant, Device, error) {
	grant, device, _, err := s.ensure(ctx, sig)
	return grant, device, err
}

func (s *Service) ensure(ctx context.Context, sig signals.Signals) (Grant, Device, Cluster, error) {
	if sig.UAHash == "" {
		return Grant{}, Device{}, Cluster{}, ErrMissingAnchor
	}

	cluster, err := s.clusters.EnsureFor(ctx, sig, s.cfg.GuestJobsLimit)
	if err != nil {
		return Grant{}, Device{}, Cluster{}, s.infra("ensure_cluster_failed", err)
	}

	existing, err := s.clusters.FindClusterGrant(ctx, cluster.ID)
	if err != nil {
		return Grant{}, Device{}, Cluster{}, s.infra("find_cluster_grant_failed", err)
	}

	if existing != nil {
		// FindClusterGrant only surfaces live grants; a retired one landing
		// here means that lookup invariant broke, so refuse rather than hand
		// out an account-owned grant.
		if existing.Retired() {
			return Grant{}, Device{}, Cluster{}, ErrGrantBound
		}

		// Reuse path. Signal refresh and the per-device upsert are advisory
		// stats; their failures must not cost the visitor their grant.
		if err := s.grants.RefreshSignals(ctx, existing.ID, sig); err != nil {
			s.logger.Warn("grant_signal_refresh_failed", map[string]any{"grant_id": existing.ID, "error": err.Error()})
		}
		device, _, err := s.devices.GetOrCreate(ctx, sig)
		if err != nil {
			s.logger.Warn("device_upsert_failed", map[string]any{"error": err.Error()})
			device = Device{}
		}

		s.recordAttempt(ctx, sig, true, false, "reused", device.ID)
		return *existing, device, cluster, nil
	}

	device, _, err := s.devices.GetOrCreate(ctx, sig)
	if err != nil {
		return Grant{}, Device{}, Cluster{}, s.infra("device_upsert_failed", err)
	}

	if ok, reason := s.canGetTokens(device); !ok {
		s.recordAttempt(ctx, sig, false, true, reason, device.ID)
		if err := s.devices.RegisterBypassAttempt(ctx, device.ID, s.now()); err != nil {
			s.logger.Warn("register_bypass_failed", map[string]any{"device_id": device.ID, "error": err.Error()})
		}
		return Grant{}, device, cluster, BlockedError{Reason: reason}
	}

	grant, created, err := s.grants.Create(ctx, sig, s.cfg.GrantTotal)
	if err != nil {
		return Grant{}, device, cluster, s.infra("grant_create_failed", err)
	}

	if err := s.devices.AttachGrant(ctx, device.ID, grant.ID); err != nil {
		s.logger.Warn("attach_grant_failed", map[string]any{"device_id": device.ID, "error": err.Error()})
	}

	reason := "granted"
	if !created {
		reason = "reused"
	}
	s.recordAttempt(ctx, sig, true, false, reason, device.ID)
	s.logger.Info("guest_grant_issued", map[string]any{
		"grant_id": grant.ID,
		"device":   device.ID,
		"created":  created,
		"total":    grant.Total,
	})

	return grant, device, cluster, nil
}

// CheckAndSpend atomically charges the visitor's grant. It returns a result
// and reason only; policy and infrastructure failures alike come back as a
// clean denial so callers can render "no more free generations" without
// special cases. Amounts of zero or less trivially succeed.
func (s *Service) CheckAndSpend(ctx context.Context, sig signals.Signals, amount int, grant *Grant, device *Device) (bool, string) {
	if amount <= 0 {
		return true, ""
	}

	var cluster Cluster
	if grant == nil || device == nil {
		g, d, c, err := s.ensure(ctx, sig)
		if err != nil {
			return false, s.denialReason(err)
		}
		grant, device, cluster = &g, &d, c
	} else {
		// The caller resolved the grant already; the cluster still has to be
		// looked up so the job cap applies on this path too.
		c, err := s.clusters.FindFor(ctx, sig)
		if err != nil {
			s.captureInfra("find_cluster_failed", err)
			return false, ReasonUnverified
		}
		if c != nil {
			cluster = *c
		}
	}

	// Optimistic pre-check; the authoritative one runs under the row lock.
	if ok, reason := s.canGetTokens(*device); !ok {
		if err := s.devices.RegisterBypassAttempt(ctx, device.ID, s.now()); err != nil {
			s.logger.Warn("register_bypass_failed", map[string]any{"device_id": device.ID, "error": err.Error()})
		}
		return false, reason
	}
	if grant.Retired() {
		return false, ReasonInsufficient
	}
	if grant.Left() < amount {
		return false, ReasonInsufficient
	}
	if cluster.GuestJobsLimit > 0 && cluster.GuestJobsUsed >= cluster.GuestJobsLimit {
		return false, ReasonJobCapReached
	}

	result, err := s.grants.Spend(ctx, grant.ID, amount)
	if err != nil {
		s.captureInfra("grant_spend_failed", err)
		return false, ReasonUnverified
	}
	if result.Spent < amount {
		// Lost the race against a concurrent spend; the locked re-check left
		// the ledger untouched.
		return false, ReasonInsufficient
	}

	if cluster.ID != "" {
		if err := s.clusters.BumpGuestJobs(ctx, cluster.ID, 1); err != nil {
			s.logger.Warn("bump_guest_jobs_failed", map[string]any{"cluster_id": cluster.ID, "error": err.Error()})
		}
	}

	s.logger.Info("guest_tokens_spent", map[string]any{
		"grant_id": grant.ID,
		"amount":   amount,
		"left":     result.Left,
	})

	return true, ""
}

// TokensInfo is the read-only quota projection. Any internal failure returns
// the all-zero, cannot-generate payload: this endpoint fails closed, never
// open.
func (s *Service) TokensInfo(ctx context.Context, sig signals.Signals) TokensInfo {
	failClosed := TokensInfo{BlockReason: ReasonUnverified}

	if sig.UAHash == "" {
		failClosed.BlockReason = ReasonUnidentified
		return failClosed
	}

	cluster, err := s.clusters.FindFor(ctx, sig)
	if err != nil {
		s.captureInfra("tokens_info_failed", err)
		return failClosed
	}

	device, err := s.devices.Find(ctx, sig)
	if err != nil {
		s.captureInfra("tokens_info_failed", err)
		return failClosed
	}

	blocked := false
	blockReason := ""
	if device != nil {
		if ok, reason := s.canGetTokens(*device); !ok {
			blocked = true
			blockReason = reason
		}
	}

	if cluster == nil {
		// Nothing observed for this visitor yet: project the allowance a
		// first grant would carry.
		return TokensInfo{
			Total:       s.cfg.GrantTotal,
			Left:        s.cfg.GrantTotal,
			IsBlocked:   blocked,
			BlockReason: blockReason,
			CanGenerate: !blocked,
		}
	}

	grant, err := s.clusters.FindClusterGrant(ctx, cluster.ID)
	if err != nil {
		s.captureInfra("tokens_info_failed", err)
		return failClosed
	}
	if grant == nil {
		return TokensInfo{
			Total:       s.cfg.GrantTotal,
			Left:        s.cfg.GrantTotal,
			IsBlocked:   blocked,
			BlockReason: blockReason,
			CanGenerate: !blocked,
		}
	}

	return TokensInfo{
		Total:       grant.Total,
		Consumed:    grant.Consumed,
		Left:        grant.Left(),
		IsBlocked:   blocked,
		BlockReason: blockReason,
		CanGenerate: !blocked && grant.Left() > 0,
	}
}

// TransferAllLeftToWallet moves whatever allowance the visitor's grant still
// holds into the account balance and retires the grant. Strictly find-only:
// it never mints a grant, so repeated calls (every login, say) credit at most
// once and a visitor with nothing left transfers nothing.
func (s *Service) TransferAllLeftToWallet(ctx context.Context, sig signals.Signals, userID string) (int64, error) {
	if sig.UAHash == "" {
		return 0, nil
	}

	cluster, err := s.clusters.FindFor(ctx, sig)
	if err != nil {
		return 0, s.infra("wallet_transfer_failed", err)
	}
	if cluster == nil {
		return 0, nil
	}

	grant, err := s.clusters.FindClusterGrant(ctx, cluster.ID)
	if err != nil {
		return 0, s.infra("wallet_transfer_failed", err)
	}
	if grant == nil {
		return 0, nil
	}

	credited, err := s.grants.BindToUser(ctx, grant.ID, userID, true)
	if err != nil {
		return 0, s.infra("wallet_transfer_failed", err)
	}

	if credited > 0 {
		s.logger.Info("guest_balance_transferred", map[string]any{
			"grant_id": grant.ID,
			"user_id":  userID,
			"credited": credited,
		})
	}

	return credited, nil
}

func (s *Service) recordAttempt(ctx context.Context, sig signals.Signals, granted, blocked bool, reason, deviceID string) {
	err := s.attempts.Record(ctx, Attempt{
		FP:         sig.PrimaryFP(),
		GID:        sig.GID,
		UAHash:     sig.UAHash,
		IPHash:     sig.IPHash,
		FirstIP:    sig.FirstIP,
		SessionKey: sig.SessionKey,
		WasGranted: granted,
		WasBlocked: blocked,
		Reason:     reason,
		DeviceID:   deviceID,
	})
	if err != nil {
		// Audit is best-effort: a broken log must never block the quota
		// decision itself.
		s.logger.Warn("grant_attempt_audit_failed", map[string]any{"error": err.Error()})
	}
}

func (s *Service) denialReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingAnchor):
		return ReasonUnidentified
	case errors.Is(err, ErrGrantBound):
		return ReasonInsufficient
	default:
		var blocked BlockedError
		if errors.As(err, &blocked) {
			return blocked.Reason
		}
		return ReasonUnverified
	}
}

func (s *Service) infra(event string, err error) error {
	s.captureInfra(event, err)
	return ErrQuotaUnavailable
}

func (s *Service) captureInfra(event string, err error) {
	s.logger.Error(event, map[string]any{"error": err.Error()})
	sentry.CaptureException(err)
}
