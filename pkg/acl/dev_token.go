package acl

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	DevAPIKeyPrefix    = "avsdev_"
	APIKeyMinLength    = 24
	DefaultDevTokenTTL = 10 * time.Minute
)

// DevToken is a locally minted bearer token for development gateways.
type DevToken struct {
	Token     string
	ExpiresAt time.Time
}

func (t *DevToken) Expired() bool {
	return !time.Now().Before(t.ExpiresAt)
}

// TTL returns the remaining lifetime, never negative.
func (t *DevToken) TTL() time.Duration {
	if ttl := time.Until(t.ExpiresAt); ttl > 0 {
		return ttl
	}
	return 0
}

func ValidateAPIKeyFormat(apiKey string) Result[string] {
	if len(apiKey) >= APIKeyMinLength && strings.HasPrefix(apiKey, DevAPIKeyPrefix) {
		return Ok(apiKey)
	}
	return Err[string](NewAuthError("Invalid API key format (want " + DevAPIKeyPrefix + " prefix, >= 24 chars)"))
}

// GenerateDevToken signs an HS256 token with the API key as secret.
func GenerateDevToken(apiKey, clientID string, ttl time.Duration) Result[*DevToken] {
	validated := ValidateAPIKeyFormat(apiKey)
	if !validated.Success {
		return Err[*DevToken](validated.Error)
	}
	if ttl <= 0 {
		ttl = DefaultDevTokenTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"key": apiKey[:len(DevAPIKeyPrefix)+4] + "...",
	}
	if clientID != "" {
		claims["sub"] = clientID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(apiKey))
	if err != nil {
		return Err[*DevToken](WrapError(err, ErrCodeTokenGeneration))
	}
	return Ok(&DevToken{Token: signed, ExpiresAt: time.Unix(expiresAt.Unix(), 0)})
}

// DecodeDevToken verifies token against apiKey and returns its claims.
func DecodeDevToken(token, apiKey string) Result[jwt.MapClaims] {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, NewAuthError("unexpected signing method " + t.Method.Alg())
		}
		return []byte(apiKey), nil
	})
	if err != nil {
		return Err[jwt.MapClaims](WrapError(err, ErrCodeTokenDecode))
	}
	if claims, ok := parsed.Claims.(jwt.MapClaims); ok && parsed.Valid {
		return Ok(claims)
	}
	return Err[jwt.MapClaims](NewACLError("Invalid token", ErrCodeTokenDecode))
}

// DevTokenProvider mints and caches dev tokens.
type DevTokenProvider struct {
	apiKey        string
	clientID      string
	ttl           time.Duration
	refreshBuffer time.Duration

	mu    sync.Mutex
	token *DevToken
}

func NewDevTokenProvider(apiKey, clientID string, ttl, refreshBuffer time.Duration) *DevTokenProvider {
	return &DevTokenProvider{apiKey: apiKey, clientID: clientID, ttl: ttl, refreshBuffer: refreshBuffer}
}

func (p *DevTokenProvider) AuthToken(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != nil && p.token.TTL() > p.refreshBuffer {
		return p.token.Token, nil
	}
	r := GenerateDevToken(p.apiKey, p.clientID, p.ttl)
	if !r.Success {
		return "", r.Error
	}
	p.token = r.Data
	return p.token.Token, nil
}

func (p *DevTokenProvider) OnForbidden(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != nil && p.token.Token == token {
		p.token = nil
	}
}

// NewAuthDelegate picks the auth source from cfg: a static token, then a
// token endpoint, then a dev API key.
func NewAuthDelegate(cfg AuthConfig, client *http.Client) (AuthDelegate, error) {
	switch {
	case cfg.Token != "":
		return NewStaticTokenProvider(cfg.Token), nil
	case cfg.TokenEndpoint != "":
		return NewTokenManager(cfg.TokenEndpoint, cfg.Headers, cfg.RefreshBuffer, client), nil
	case cfg.DevAPIKey != "":
		if r := ValidateAPIKeyFormat(cfg.DevAPIKey); !r.Success {
			return nil, r.Error
		}
		return NewDevTokenProvider(cfg.DevAPIKey, cfg.ClientID, cfg.DevTTL, cfg.RefreshBuffer), nil
	}
	return nil, NewConfigError("no auth source configured")
}
