package signals

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kanefrayzy/pixera-sub000/internal/observability"
)

const (
	// HeaderClientFingerprint carries the opaque fingerprint computed by the
	// frontend. It is accepted as-is and may be absent.
	HeaderClientFingerprint = "X-Client-Fingerprint"
	// HeaderClientFlags is a comma-separated list of client-side environment
	// hints, e.g. "vpn,incognito".
	HeaderClientFlags = "X-Client-Flags"

	CookieGuestID = "pxg_gid"
	CookieSession = "pxg_session"

	sessionCookieTTL = 30 * 24 * time.Hour
)

// Signals is the per-request identity tuple. It is transient: extracted once
// per request and handed to the guard layer, never persisted as such.
type Signals struct {
	ClientFP   string
	ServerFP   string
	GID        string
	UAHash     string
	IPHash     string
	SessionKey string
	FirstIP    string

	VPNSuspected       bool
	IncognitoSuspected bool
}

// PrimaryFP prefers the client fingerprint and falls back to the server-side
// one, which is always computable.
func (s Signals) PrimaryFP() string {
	if s.ClientFP != "" {
		return s.ClientFP
	}
	return s.ServerFP
}

// Extractor derives the identity tuple from request metadata. All hashes are
// keyed with a server secret so raw UA/IP values never reach storage.
type Extractor struct {
	secret []byte
}

func NewExtractor(secret string) *Extractor {
	return &Extractor{secret: []byte(secret)}
}

// Extract builds the signal tuple for the request. Its only side effect is
// issuing the guest session cookie when the request carries none; everything
// downstream keys off the session, so one must exist.
func (e *Extractor) Extract(w http.ResponseWriter, r *http.Request) Signals {
	var sig Signals

	sig.ClientFP = strings.TrimSpace(r.Header.Get(HeaderClientFingerprint))
	sig.FirstIP = observability.ClientIP(r)

	if cookie, err := r.Cookie(CookieGuestID); err == nil {
		sig.GID = strings.TrimSpace(cookie.Value)
	}

	userAgent := strings.TrimSpace(r.Header.Get("User-Agent"))
	language := strings.TrimSpace(r.Header.Get("Accept-Language"))
	if userAgent != "" {
		sig.UAHash = e.hash("ua", userAgent+"|"+language)
	}
	if sig.FirstIP != "" && sig.FirstIP != "unknown" {
		sig.IPHash = e.hash("ip", sig.FirstIP)
	}
	sig.ServerFP = e.hash("sfp", sig.UAHash+"|"+sig.IPHash)

	for _, flag := range strings.Split(r.Header.Get(HeaderClientFlags), ",") {
		switch strings.ToLower(strings.TrimSpace(flag)) {
		case "vpn":
			sig.VPNSuspected = true
		case "incognito":
			sig.IncognitoSuspected = true
		}
	}

	sig.SessionKey = e.ensureSession(w, r)

	return sig
}

func (e *Extractor) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(CookieSession); err == nil {
		if key := strings.TrimSpace(cookie.Value); key != "" {
			return key
		}
	}

	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSession,
		Value:    key,
		Path:     "/",
		MaxAge:   int(sessionCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return key
}

func (e *Extractor) hash(kind, value string) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
