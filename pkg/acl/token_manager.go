package acl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AuthDelegate supplies bearer tokens for every stream.
type AuthDelegate interface {
	// AuthToken returns the current token. An empty token is treated as an
	// authorization failure.
	AuthToken(ctx context.Context) (string, error)
	// OnForbidden is called when the server answered 403 to token.
	OnForbidden(token string)
}

// StaticTokenProvider always returns the same token.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) AuthToken(context.Context) (string, error) {
	return p.token, nil
}

func (p *StaticTokenProvider) OnForbidden(string) {}

// TokenManager fetches tokens from an HTTP endpoint and caches them until
// refreshBuffer before they expire.
type TokenManager struct {
	endpoint      string
	headers       map[string]string
	refreshBuffer time.Duration
	client        *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(endpoint string, headers map[string]string, refreshBuffer time.Duration, client *http.Client) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		endpoint:      endpoint,
		headers:       headers,
		refreshBuffer: refreshBuffer,
		client:        client,
	}
}

func (tm *TokenManager) AuthToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.refreshBuffer)) {
		return tm.token, nil
	}
	return tm.refreshToken(ctx)
}

func (tm *TokenManager) refreshToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tm.headers {
		req.Header.Set(k, v)
	}

	resp, err := tm.client.Do(req)
	if err != nil {
		return "", WrapError(err, ErrCodeAuthFailed).AddDetail("endpoint", tm.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", NewAuthError(fmt.Sprintf("failed to refresh token: %s", resp.Status))
	}

	var data struct {
		Token     string  `json:"token"`
		ExpiresAt float64 `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	if data.Token == "" {
		return "", NewAuthError("no token received")
	}

	expiresAt := time.UnixMilli(int64(data.ExpiresAt))
	if data.ExpiresAt == 0 {
		exp, ok := TokenExpiry(data.Token)
		if !ok {
			return "", NewAuthError("token has no expiry")
		}
		expiresAt = exp
	}

	tm.token = data.Token
	tm.expiresAt = expiresAt
	return data.Token, nil
}

// OnForbidden drops the cached token if it is the one the server rejected.
func (tm *TokenManager) OnForbidden(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if token == tm.token {
		tm.token = ""
		tm.expiresAt = time.Time{}
	}
}

func (tm *TokenManager) Clear() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.token = ""
	tm.expiresAt = time.Time{}
}

// TokenInfo returns the cached token and its expiry, if any.
func (tm *TokenManager) TokenInfo() (string, time.Time, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.token, tm.expiresAt, tm.token != ""
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0), true
}
