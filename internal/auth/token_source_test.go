package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulsekeeplab/pulsekeep/internal/syncerrs"
)

type tokenEndpoint struct {
	mu          sync.Mutex
	calls       int
	accessToken string
	expiresIn   int64
	forceStatus int
	lastRefresh string
}

func newTokenEndpoint(t *testing.T) (*tokenEndpoint, *httptest.Server) {
	t.Helper()

	endpoint := &tokenEndpoint{accessToken: "access-1", expiresIn: 3600}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint.mu.Lock()
		defer endpoint.mu.Unlock()
		endpoint.calls++

		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		endpoint.lastRefresh = body.RefreshToken

		if endpoint.forceStatus != 0 {
			w.WriteHeader(endpoint.forceStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"access_token": endpoint.accessToken,
			"expires_in":   endpoint.expiresIn,
		}); err != nil {
			t.Errorf("encode failed: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return endpoint, server
}

func newTestSource(t *testing.T, tokenURL string, clock func() time.Time) *RefreshTokenSource {
	t.Helper()
	source, err := NewRefreshTokenSource(RefreshTokenSourceConfig{
		TokenURL:     tokenURL,
		RefreshToken: "refresh-abc",
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("failed to construct token source: %v", err)
	}
	return source
}

func TestBearerTokenCachesUntilExpiry(t *testing.T) {
	endpoint, server := newTokenEndpoint(t)
	now := time.Unix(1700000000, 0).UTC()
	source := newTestSource(t, server.URL, func() time.Time { return now })

	first, err := source.BearerToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := source.BearerToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "access-1" || second != "access-1" {
		t.Fatalf("unexpected tokens %q, %q", first, second)
	}

	endpoint.mu.Lock()
	calls := endpoint.calls
	refresh := endpoint.lastRefresh
	endpoint.mu.Unlock()
	if calls != 1 {
		t.Fatalf("valid cached token must not refetch, got %d calls", calls)
	}
	if refresh != "refresh-abc" {
		t.Fatalf("unexpected refresh token sent %q", refresh)
	}
}

func TestBearerTokenRefetchesNearExpiry(t *testing.T) {
	endpoint, server := newTokenEndpoint(t)
	now := time.Unix(1700000000, 0).UTC()
	source := newTestSource(t, server.URL, func() time.Time { return now })

	if _, err := source.BearerToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	endpoint.mu.Lock()
	endpoint.accessToken = "access-2"
	endpoint.mu.Unlock()

	// Advance to inside the leeway window before the advertised expiry.
	now = now.Add(3600*time.Second - 10*time.Second)
	token, err := source.BearerToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "access-2" {
		t.Fatalf("near-expiry token must be refetched, got %q", token)
	}
}

func TestForceRefreshDiscardsCache(t *testing.T) {
	endpoint, server := newTokenEndpoint(t)
	now := time.Unix(1700000000, 0).UTC()
	source := newTestSource(t, server.URL, func() time.Time { return now })

	if _, err := source.BearerToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	endpoint.mu.Lock()
	endpoint.accessToken = "access-rotated"
	endpoint.mu.Unlock()

	if err := source.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token, err := source.BearerToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "access-rotated" {
		t.Fatalf("force refresh must fetch the rotated token, got %q", token)
	}

	endpoint.mu.Lock()
	calls := endpoint.calls
	endpoint.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected initial fetch plus one forced refresh, got %d calls", calls)
	}
}

func TestTokenExpiryPrefersJWTExpClaim(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	claimExpiry := now.Add(120 * time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(claimExpiry),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}

	endpoint, server := newTokenEndpoint(t)
	endpoint.mu.Lock()
	endpoint.accessToken = signed
	endpoint.expiresIn = 7200 // contradicts the claim; the claim wins
	endpoint.mu.Unlock()

	source := newTestSource(t, server.URL, func() time.Time { return now })
	if _, err := source.BearerToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.mu.Lock()
	expiresAt := source.expiresAt
	source.mu.Unlock()
	if !expiresAt.Equal(claimExpiry) {
		t.Fatalf("expected claim-derived expiry %s, got %s", claimExpiry, expiresAt)
	}
}

func TestOpaqueTokenFallsBackToExpiresIn(t *testing.T) {
	endpoint, server := newTokenEndpoint(t)
	endpoint.mu.Lock()
	endpoint.accessToken = "opaque-token"
	endpoint.expiresIn = 900
	endpoint.mu.Unlock()

	now := time.Unix(1700000000, 0).UTC()
	source := newTestSource(t, server.URL, func() time.Time { return now })
	if _, err := source.BearerToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.mu.Lock()
	expiresAt := source.expiresAt
	source.mu.Unlock()
	if !expiresAt.Equal(now.Add(900 * time.Second)) {
		t.Fatalf("expected expires_in-derived expiry, got %s", expiresAt)
	}
}

func TestRefreshRejectionClassifiesAuth(t *testing.T) {
	endpoint, server := newTokenEndpoint(t)
	endpoint.mu.Lock()
	endpoint.forceStatus = http.StatusForbidden
	endpoint.mu.Unlock()

	source := newTestSource(t, server.URL, nil)
	_, err := source.BearerToken(context.Background())
	if !syncerrs.IsKind(err, syncerrs.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestRefreshNetworkFailureClassifiesTransient(t *testing.T) {
	_, server := newTokenEndpoint(t)
	source := newTestSource(t, server.URL, nil)
	server.Close()

	_, err := source.BearerToken(context.Background())
	if !syncerrs.IsKind(err, syncerrs.KindTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestNewRefreshTokenSourceValidation(t *testing.T) {
	if _, err := NewRefreshTokenSource(RefreshTokenSourceConfig{RefreshToken: "r"}); err == nil {
		t.Fatalf("expected error for missing token url")
	}
	if _, err := NewRefreshTokenSource(RefreshTokenSourceConfig{TokenURL: "https://auth.example.com/token"}); err == nil {
		t.Fatalf("expected error for missing refresh token")
	}
}
