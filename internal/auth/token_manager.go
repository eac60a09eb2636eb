// Package auth exchanges long-lived Copilot OAuth credentials for short-lived
// session tokens and keeps them fresh for the streaming client.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	cferrors "cafezin/internal/errors"
	"cafezin/internal/logging"
)

const (
	// DefaultExchangeURL trades a GitHub OAuth credential for a Copilot
	// session token.
	DefaultExchangeURL = "https://api.github.com/copilot_internal/v2/token"

	// refreshMargin is how long before expiry a cached token is treated as
	// stale. Session tokens typically live ~30 minutes.
	refreshMargin = 60 * time.Second

	cacheSize = 8
	cacheTTL  = 30 * time.Minute
)

// CredentialSource supplies the long-lived OAuth credential. Invalidate is
// called when the exchange endpoint rejects it, so implementations backed by
// a keychain or file can drop a revoked credential.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
	Invalidate()
}

type staticCredential struct {
	mu      sync.Mutex
	value   string
	revoked bool
}

// StaticCredentialSource wraps a fixed credential string. Invalidate marks it
// revoked so subsequent calls fail fast instead of hammering the endpoint.
func StaticCredentialSource(credential string) CredentialSource {
	return &staticCredential{value: credential}
}

func (s *staticCredential) Credential(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked || s.value == "" {
		return "", cferrors.ErrNotAuthenticated
	}
	return s.value, nil
}

func (s *staticCredential) Invalidate() {
	s.mu.Lock()
	s.revoked = true
	s.mu.Unlock()
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Manager caches session tokens per credential and coalesces concurrent
// refreshes so a burst of callers during an expiry window produces exactly
// one exchange request. It satisfies the llm.TokenSource contract.
type Manager struct {
	exchangeURL string
	httpClient  *http.Client
	source      CredentialSource
	logger      logging.Logger

	group singleflight.Group
	cache *expirable.LRU[string, cachedToken]
}

// ManagerConfig holds optional overrides; zero values take defaults.
type ManagerConfig struct {
	ExchangeURL string
	Timeout     time.Duration
	Logger      logging.Logger
}

func NewManager(source CredentialSource, config ManagerConfig) *Manager {
	exchangeURL := strings.TrimSpace(config.ExchangeURL)
	if exchangeURL == "" {
		exchangeURL = DefaultExchangeURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		exchangeURL: exchangeURL,
		httpClient:  &http.Client{Timeout: timeout},
		source:      source,
		logger:      logging.OrNop(config.Logger),
		cache:       expirable.NewLRU[string, cachedToken](cacheSize, nil, cacheTTL),
	}
}

// SessionToken returns a session token valid for at least refreshMargin.
// Concurrent callers holding the same credential share a single exchange.
func (m *Manager) SessionToken(ctx context.Context) (string, error) {
	credential, err := m.source.Credential(ctx)
	if err != nil {
		return "", err
	}
	key := fingerprint(credential)

	if entry, ok := m.cache.Get(key); ok && time.Until(entry.expiresAt) > refreshMargin {
		return entry.token, nil
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if entry, ok := m.cache.Get(key); ok && time.Until(entry.expiresAt) > refreshMargin {
			return entry.token, nil
		}
		entry, err := m.exchange(ctx, credential)
		if err != nil {
			return "", err
		}
		m.cache.Add(key, entry)
		return entry.token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops all cached tokens. The next SessionToken call performs a
// fresh exchange.
func (m *Manager) Invalidate() {
	m.cache.Purge()
}

// Reset drops cached tokens and the underlying credential. Used on sign-out.
func (m *Manager) Reset() {
	m.cache.Purge()
	m.source.Invalidate()
}

func (m *Manager) exchange(ctx context.Context, credential string) (cachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.exchangeURL, nil)
	if err != nil {
		return cachedToken{}, err
	}
	req.Header.Set("Authorization", "token "+credential)
	req.Header.Set("Accept", "application/json")

	m.logger.Debug("Exchanging credential for session token: GET %s", m.exchangeURL)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return cachedToken{}, cferrors.NewTransientError(
			fmt.Errorf("token exchange: %w", err),
			"Token exchange request failed. Retrying.")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachedToken{}, fmt.Errorf("read exchange response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		m.logger.Warn("Credential rejected by exchange endpoint (status %d)", resp.StatusCode)
		m.source.Invalidate()
		return cachedToken{}, fmt.Errorf("%w: token exchange returned %d",
			cferrors.ErrNotAuthenticated, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return cachedToken{}, cferrors.MapHTTPStatus(resp.StatusCode, body, resp.Header)
	}

	var decoded struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return cachedToken{}, fmt.Errorf("decode exchange response: %w", err)
	}
	if decoded.Token == "" {
		return cachedToken{}, fmt.Errorf("%w: exchange response carried no token",
			cferrors.ErrNotAuthenticated)
	}

	expiresAt := time.Unix(decoded.ExpiresAt, 0)
	if decoded.ExpiresAt == 0 {
		expiresAt = time.Now().Add(cacheTTL)
	}
	m.logger.Info("Session token refreshed, valid until %s", expiresAt.Format(time.RFC3339))
	return cachedToken{token: decoded.Token, expiresAt: expiresAt}, nil
}

func fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}
