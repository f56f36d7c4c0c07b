package acl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, expiresIn time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "kitchen", r.Header.Get("X-Device"))
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":     "token-" + string(rune('0'+n)),
			"expiresAt": time.Now().Add(expiresIn).UnixMilli(),
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTokenManagerCachesUntilRefreshBuffer(t *testing.T) {
	srv, calls := tokenServer(t, time.Hour)
	tm := NewTokenManager(srv.URL, map[string]string{"X-Device": "kitchen"}, time.Minute, nil)

	first, err := tm.AuthToken(context.Background())
	require.NoError(t, err)
	second, err := tm.AuthToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	_, expiresAt, ok := tm.TokenInfo()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)
}

func TestTokenManagerRefreshesNearExpiry(t *testing.T) {
	srv, calls := tokenServer(t, 30*time.Second)
	tm := NewTokenManager(srv.URL, map[string]string{"X-Device": "kitchen"}, time.Minute, nil)

	_, err := tm.AuthToken(context.Background())
	require.NoError(t, err)
	_, err = tm.AuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenManagerOnForbiddenDropsToken(t *testing.T) {
	srv, calls := tokenServer(t, time.Hour)
	tm := NewTokenManager(srv.URL, map[string]string{"X-Device": "kitchen"}, time.Minute, nil)

	tok, err := tm.AuthToken(context.Background())
	require.NoError(t, err)
	tm.OnForbidden("someone-else")
	_, _, ok := tm.TokenInfo()
	assert.True(t, ok)

	tm.OnForbidden(tok)
	next, err := tm.AuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", next)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenManagerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewTokenManager(srv.URL, nil, 0, nil).AuthToken(context.Background())
	assert.True(t, IsErrorCode(err, ErrCodeAuthFailed))
}

func TestTokenExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	got, ok := TokenExpiry(signed)
	assert.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("garbage")
	assert.False(t, ok)
}

func TestDevTokenRoundTrip(t *testing.T) {
	key := DevAPIKeyPrefix + "0123456789abcdefghij"
	r := GenerateDevToken(key, "kitchen-echo", time.Minute)
	require.True(t, r.Success, "%v", r.Error)
	assert.False(t, r.Data.Expired())
	assert.InDelta(t, time.Minute.Seconds(), r.Data.TTL().Seconds(), 2)

	claims := DecodeDevToken(r.Data.Token, key)
	require.True(t, claims.Success, "%v", claims.Error)
	assert.Equal(t, "kitchen-echo", claims.Data["sub"])

	bad := DecodeDevToken(r.Data.Token, key+"x")
	assert.False(t, bad.Success)
	assert.Equal(t, ErrCodeTokenDecode, bad.Error.Code)
}

func TestValidateAPIKeyFormat(t *testing.T) {
	assert.False(t, ValidateAPIKeyFormat("short").Success)
	assert.False(t, ValidateAPIKeyFormat("wrongprefix_0123456789abcdefghij").Success)
	assert.True(t, ValidateAPIKeyFormat(DevAPIKeyPrefix+"0123456789abcdefghij").Success)
}

func TestNewAuthDelegatePrecedence(t *testing.T) {
	a, err := NewAuthDelegate(AuthConfig{Token: "static", TokenEndpoint: "https://x"}, nil)
	require.NoError(t, err)
	tok, err := a.AuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", tok)

	a, err = NewAuthDelegate(AuthConfig{TokenEndpoint: "https://x"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &TokenManager{}, a)

	a, err = NewAuthDelegate(AuthConfig{DevAPIKey: DevAPIKeyPrefix + "0123456789abcdefghij"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &DevTokenProvider{}, a)

	_, err = NewAuthDelegate(AuthConfig{}, nil)
	assert.True(t, IsErrorCode(err, ErrCodeConfigInvalid))
}

func TestDevTokenProviderCaches(t *testing.T) {
	p := NewDevTokenProvider(DevAPIKeyPrefix+"0123456789abcdefghij", "", time.Hour, time.Minute)
	a, err := p.AuthToken(context.Background())
	require.NoError(t, err)
	b, err := p.AuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
