// Package auth adapts the external authentication collaborator into the
// narrow boundary the sync engine consumes: a bearer-token source and a
// discrete session-changed event stream. The engine never sees the auth
// provider's own user representation.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pulsekeeplab/pulsekeep/internal/syncerrs"
)

// TokenSource supplies bearer tokens for remote calls. BearerToken returns a
// cached token while it remains valid; ForceRefresh discards the cache after
// the backend answered unauthorized.
type TokenSource interface {
	BearerToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
}

const (
	opBearerToken  = "auth.bearer_token"
	opForceRefresh = "auth.force_refresh"

	// defaultExpiryLeeway refreshes tokens slightly before their exp claim so
	// a token never expires mid-batch.
	defaultExpiryLeeway = 30 * time.Second
)

var (
	errMissingTokenURL     = errors.New("token endpoint url is required")
	errMissingRefreshToken = errors.New("refresh token is required")
	errEmptyAccessToken    = errors.New("token endpoint returned an empty access token")
	noOpLogger             = zap.NewNop()
)

// RefreshTokenSourceConfig configures the HTTP refresh-token source.
type RefreshTokenSourceConfig struct {
	TokenURL     string
	RefreshToken string
	HTTPClient   *http.Client
	ExpiryLeeway time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// RefreshTokenSource exchanges a long-lived refresh token for short-lived
// bearer tokens and caches the result until shortly before expiry.
type RefreshTokenSource struct {
	tokenURL     string
	refreshToken string
	httpClient   *http.Client
	expiryLeeway time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewRefreshTokenSource validates the configuration and returns a source.
func NewRefreshTokenSource(cfg RefreshTokenSourceConfig) (*RefreshTokenSource, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, errMissingTokenURL
	}
	refreshToken := strings.TrimSpace(cfg.RefreshToken)
	if refreshToken == "" {
		return nil, errMissingRefreshToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	leeway := cfg.ExpiryLeeway
	if leeway <= 0 {
		leeway = defaultExpiryLeeway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RefreshTokenSource{
		tokenURL:     tokenURL,
		refreshToken: refreshToken,
		httpClient:   httpClient,
		expiryLeeway: leeway,
		clock:        clock,
		logger:       logger,
	}, nil
}

// BearerToken returns the cached token while it remains valid past the
// leeway window, fetching a fresh one otherwise.
func (s *RefreshTokenSource) BearerToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if s.token != "" && now.Add(s.expiryLeeway).Before(s.expiresAt) {
		return s.token, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

// ForceRefresh discards the cached token and fetches a new one immediately.
func (s *RefreshTokenSource) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	s.expiresAt = time.Time{}
	return s.refreshLocked(ctx)
}

type refreshRequestPayload struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refreshLocked exchanges the refresh token. Caller holds s.mu.
func (s *RefreshTokenSource) refreshLocked(ctx context.Context) error {
	body, err := json.Marshal(refreshRequestPayload{RefreshToken: s.refreshToken})
	if err != nil {
		return syncerrs.Auth(opForceRefresh, "encode_failed", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(body))
	if err != nil {
		return syncerrs.Auth(opForceRefresh, "request_build_failed", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		s.logger.Warn("token refresh request failed",
			zap.String("operation", opForceRefresh),
			zap.Error(err))
		return syncerrs.Transient(opForceRefresh, "network_error", err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode != http.StatusOK {
		s.logger.Warn("token refresh rejected",
			zap.String("operation", opForceRefresh),
			zap.Int("status", response.StatusCode))
		return syncerrs.Auth(opForceRefresh, fmt.Sprintf("status_%d", response.StatusCode), nil)
	}

	var payload refreshResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return syncerrs.Auth(opForceRefresh, "decode_failed", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return syncerrs.Auth(opForceRefresh, "empty_access_token", errEmptyAccessToken)
	}

	s.token = payload.AccessToken
	s.expiresAt = s.tokenExpiry(payload)
	return nil
}

// tokenExpiry prefers the JWT exp claim over the advertised expires_in, since
// the claim survives clock skew between issuance and receipt.
func (s *RefreshTokenSource) tokenExpiry(payload refreshResponsePayload) time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(payload.AccessToken, &claims); err == nil {
		if claims.ExpiresAt != nil && !claims.ExpiresAt.IsZero() {
			return claims.ExpiresAt.Time.UTC()
		}
	}
	if payload.ExpiresIn > 0 {
		return s.clock().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	// Unknown lifetime: treat the token as already stale so the next call
	// fetches again rather than reusing an expired credential.
	return s.clock().UTC()
}
