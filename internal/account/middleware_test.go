package account

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return encoded
}

func TestMiddleware(t *testing.T) {
	now := time.Now().UTC()

	valid := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"typ": "access",
	})
	expired := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iat": now.Add(-time.Hour).Unix(),
		"exp": now.Add(-30 * time.Minute).Unix(),
		"typ": "access",
	})
	wrongType := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"typ": "refresh",
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantUserID string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "user-1"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong token type", "Bearer " + wrongType, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUserID = UserIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			r := httptest.NewRequest(http.MethodGet, "/me/balance", nil)
			if tt.authHeader != "" {
				r.Header.Set("Authorization", tt.authHeader)
			}

			recorder := httptest.NewRecorder()
			Middleware(testSecret, next).ServeHTTP(recorder, r)

			if recorder.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
			if gotUserID != tt.wantUserID {
				t.Errorf("user id = %q, want %q", gotUserID, tt.wantUserID)
			}
		})
	}
}
