package guard

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

const maxJSONBodyBytes = 1 << 20

// Handler exposes the guest quota operations over HTTP. Policy denials are
// rendered with 200 {ok:false} payloads carrying the single user-facing
// message; only malformed requests and true identification failures surface
// as HTTP errors.
type Handler struct {
	service   *Service
	extractor *signals.Extractor
}

func NewHandler(service *Service, extractor *signals.Extractor) *Handler {
	return &Handler{service: service, extractor: extractor}
}

type grantView struct {
	Total    int  `json:"total"`
	Consumed int  `json:"consumed"`
	Left     int  `json:"left"`
	Bound    bool `json:"bound"`
}

type deviceView struct {
	Blocked            bool `json:"blocked"`
	VPNSuspected       bool `json:"vpn_suspected"`
	IncognitoSuspected bool `json:"incognito_suspected"`
}

type spendRequest struct {
	Amount int `json:"amount"`
}

func (h *Handler) EnsureGrant(w http.ResponseWriter, r *http.Request) {
	sig := h.extractor.Extract(w, r)

	grant, device, err := h.service.EnsureGuestGrant(r.Context(), sig)
	if err != nil {
		if errors.Is(err, ErrMissingAnchor) {
			writeError(w, http.StatusBadRequest, "could not identify browser")
			return
		}

		var blocked BlockedError
		if errors.As(err, &blocked) || errors.Is(err, ErrGrantBound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":      false,
				"message": MsgNoFreeGenerations,
			})
			return
		}

		writeError(w, http.StatusServiceUnavailable, ReasonUnverified)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"grant": grantView{
			Total:    grant.Total,
			Consumed: grant.Consumed,
			Left:     grant.Left(),
			Bound:    grant.Retired(),
		},
		"device": deviceView{
			Blocked:            device.IsBlocked,
			VPNSuspected:       device.IsVPNDetected,
			IncognitoSuspected: device.IsIncognitoDetected,
		},
	})
}

func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body spendRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sig := h.extractor.Extract(w, r)

	ok, reason := h.service.CheckAndSpend(r.Context(), sig, body.Amount, nil, nil)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      false,
			"reason":  reason,
			"message": MsgNoFreeGenerations,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) TokensInfo(w http.ResponseWriter, r *http.Request) {
	sig := h.extractor.Extract(w, r)
	writeJSON(w, http.StatusOK, h.service.TokensInfo(r.Context(), sig))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
