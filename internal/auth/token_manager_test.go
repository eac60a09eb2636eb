package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cferrors "cafezin/internal/errors"
)

func exchangeServer(t *testing.T, exchanges *atomic.Int32, expiresIn time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token long-lived-cred", r.Header.Get("Authorization"))
		n := exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "session-token-" + string(rune('0'+n)),
			"expires_at": time.Now().Add(expiresIn).Unix(),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionTokenCachedUntilMargin(t *testing.T) {
	var exchanges atomic.Int32
	srv := exchangeServer(t, &exchanges, 30*time.Minute)
	m := NewManager(StaticCredentialSource("long-lived-cred"), ManagerConfig{ExchangeURL: srv.URL})

	first, err := m.SessionToken(context.Background())
	require.NoError(t, err)
	second, err := m.SessionToken(context.Background())
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, exchanges.Load())
}

func TestSessionTokenRefreshesNearExpiry(t *testing.T) {
	var exchanges atomic.Int32
	// Expires within the 60s refresh margin, so every call re-exchanges.
	srv := exchangeServer(t, &exchanges, 10*time.Second)
	m := NewManager(StaticCredentialSource("long-lived-cred"), ManagerConfig{ExchangeURL: srv.URL})

	_, err := m.SessionToken(context.Background())
	require.NoError(t, err)
	_, err = m.SessionToken(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, exchanges.Load())
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	var exchanges atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		<-gate // hold every caller on one in-flight exchange
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "session-token",
			"expires_at": time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer srv.Close()

	m := NewManager(StaticCredentialSource("long-lived-cred"), ManagerConfig{ExchangeURL: srv.URL})

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.SessionToken(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "session-token", tokens[i])
	}
	require.EqualValues(t, 1, exchanges.Load())
}

func TestExchangeRejectionInvalidatesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	source := StaticCredentialSource("long-lived-cred")
	m := NewManager(source, ManagerConfig{ExchangeURL: srv.URL})

	_, err := m.SessionToken(context.Background())
	require.True(t, cferrors.IsNotAuthenticated(err))

	// The credential is gone; later calls fail fast without the network.
	_, err = m.SessionToken(context.Background())
	require.True(t, cferrors.IsNotAuthenticated(err))
}

func TestInvalidateForcesReExchange(t *testing.T) {
	var exchanges atomic.Int32
	srv := exchangeServer(t, &exchanges, time.Hour)
	m := NewManager(StaticCredentialSource("long-lived-cred"), ManagerConfig{ExchangeURL: srv.URL})

	_, err := m.SessionToken(context.Background())
	require.NoError(t, err)
	m.Invalidate()
	_, err = m.SessionToken(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, exchanges.Load())
}

func TestStaticCredentialSourceEmpty(t *testing.T) {
	m := NewManager(StaticCredentialSource(""), ManagerConfig{ExchangeURL: "http://127.0.0.1:0"})
	_, err := m.SessionToken(context.Background())
	require.True(t, cferrors.IsNotAuthenticated(err))
}
