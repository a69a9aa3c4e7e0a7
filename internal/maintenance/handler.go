package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kanefrayzy/pixera-sub000/internal/account"
	"github.com/kanefrayzy/pixera-sub000/internal/guard"
	"github.com/kanefrayzy/pixera-sub000/internal/observability"
)

// CleanupHandler prunes aged audit attempts and stale refresh tokens. It is
// invoked by the platform cron and guarded by a shared secret; without one
// configured the endpoint pretends not to exist.
type CleanupHandler struct {
	attempts         *guard.AttemptRepository
	accounts         *account.Repository
	logger           *observability.Logger
	cronSecret       string
	attemptRetention time.Duration
	refreshRetention time.Duration
	loginRetention   time.Duration
	batchSize        int
}

func NewCleanupHandler(
	attempts *guard.AttemptRepository,
	accounts *account.Repository,
	logger *observability.Logger,
	cronSecret string,
	attemptRetention time.Duration,
	refreshRetention time.Duration,
	loginRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		attempts:         attempts,
		accounts:         accounts,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		attemptRetention: attemptRetention,
		refreshRetention: refreshRetention,
		loginRetention:   loginRetention,
		batchSize:        batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	retention := h.attemptRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	var deletedAttempts, deletedTokens, deletedLogins atomic.Int64

	group, ctx := errgroup.WithContext(r.Context())
	group.Go(func() error {
		n, err := h.attempts.DeleteOlderThan(ctx, cutoff, h.batchSize)
		deletedAttempts.Store(n)
		return err
	})
	group.Go(func() error {
		n, err := h.accounts.CleanupStaleRefreshTokens(ctx, h.refreshRetention, h.batchSize)
		deletedTokens.Store(n)
		return err
	})
	group.Go(func() error {
		n, err := h.accounts.CleanupStaleLoginAttempts(ctx, h.loginRetention)
		deletedLogins.Store(n)
		return err
	})

	if err := group.Wait(); err != nil {
		h.logger.Error("cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"deleted_grant_attempts": deletedAttempts.Load(),
		"deleted_refresh_tokens": deletedTokens.Load(),
		"deleted_login_attempts": deletedLogins.Load(),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "ok",
		"deleted_grant_attempts": deletedAttempts.Load(),
		"deleted_refresh_tokens": deletedTokens.Load(),
		"deleted_login_attempts": deletedLogins.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
