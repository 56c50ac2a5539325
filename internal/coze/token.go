package coze

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/zhengjr9/coze-gateway/internal/errors"
)

const (
	tokenPath = "/api/permission/oauth2/token"

	// tokenDuration is the lifetime requested for the bearer credential.
	tokenDuration = 86399
	// assertionTTL is the lifetime of each signed assertion.
	assertionTTL = 15 * time.Minute

	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// SigningConfig holds the key and claim metadata used to build signed
// assertions for the OAuth token exchange.
type SigningConfig struct {
	PrivateKeyPEM string
	Issuer        string
	Audience      string
	KeyID         string
}

// credential is a bearer token with its absolute expiry. It is replaced as a
// whole on refresh, never partially updated.
type credential struct {
	token     string
	expiresAt time.Time
}

func (c credential) validAt(now time.Time) bool {
	return c.token != "" && c.expiresAt.After(now)
}

// TokenSource exchanges signed assertions for short-lived bearer credentials
// and caches the result across requests. Refreshes are serialized: concurrent
// requests that observe an expired credential wait for a single exchange
// rather than each performing their own.
type TokenSource struct {
	tokenURL   string
	signingKey *rsa.PrivateKey
	cfg        SigningConfig
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	cache credential
}

// NewTokenSource parses the configured private key and returns a TokenSource
// for the given API base. The timeout bounds each exchange call.
func NewTokenSource(apiBase string, cfg SigningConfig, timeout time.Duration) (*TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	base := strings.TrimRight(apiBase, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &TokenSource{
		tokenURL:   base + tokenPath,
		signingKey: key,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

// Token returns a valid bearer credential, reusing the cached one when it has
// not expired and performing a single exchange otherwise. A failed exchange
// leaves the cache untouched.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.cache.validAt(ts.now()) {
		return ts.cache.token, nil
	}

	cred, err := ts.exchange(ctx)
	if err != nil {
		slog.Error("credential exchange failed", "error", err)
		return "", err
	}
	ts.cache = cred
	return cred.token, nil
}

// exchange signs a fresh assertion and trades it for a bearer credential.
func (ts *TokenSource) exchange(ctx context.Context) (credential, error) {
	assertion, err := ts.signAssertion()
	if err != nil {
		return credential{}, fmt.Errorf("%w: %v", apierrors.ErrCredentialExchange, err)
	}

	body, err := json.Marshal(map[string]any{
		"duration_seconds": tokenDuration,
		"grant_type":       grantTypeJWTBearer,
	})
	if err != nil {
		return credential{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, bytes.NewReader(body))
	if err != nil {
		return credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return credential{}, fmt.Errorf("%w: %v", apierrors.ErrCredentialExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return credential{}, fmt.Errorf("%w: token endpoint returned %d: %s",
			apierrors.ErrCredentialExchange, resp.StatusCode, string(raw))
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return credential{}, fmt.Errorf("%w: decode token response: %v", apierrors.ErrCredentialExchange, err)
	}
	if tr.AccessToken == "" {
		return credential{}, fmt.Errorf("%w: no access token received", apierrors.ErrCredentialExchange)
	}

	return credential{
		token:     tr.AccessToken,
		expiresAt: ts.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// signAssertion builds the RS256-signed JWT presented to the token endpoint.
func (ts *TokenSource) signAssertion() (string, error) {
	now := ts.now()
	jti, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": ts.cfg.Issuer,
		"aud": ts.cfg.Audience,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
		"jti": jti,
	})
	token.Header["kid"] = ts.cfg.KeyID

	return token.SignedString(ts.signingKey)
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
