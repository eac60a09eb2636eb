package llm

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitSnapshot is the last-observed rate-limit state reported by the
// endpoint. Informational only; last write wins across sessions.
type RateLimitSnapshot struct {
	RemainingRequests int
	RemainingTokens   int
	ObservedAt        time.Time
}

var (
	rateLimitMu   sync.Mutex
	lastRateLimit RateLimitSnapshot
)

// LastRateLimit returns the most recent snapshot seen by any client in this
// process.
func LastRateLimit() RateLimitSnapshot {
	rateLimitMu.Lock()
	defer rateLimitMu.Unlock()
	return lastRateLimit
}

func recordRateLimit(header http.Header) {
	remainingRequests, okRequests := headerInt(header, "x-ratelimit-remaining-requests")
	remainingTokens, okTokens := headerInt(header, "x-ratelimit-remaining-tokens")
	if !okRequests && !okTokens {
		return
	}
	rateLimitMu.Lock()
	if okRequests {
		lastRateLimit.RemainingRequests = remainingRequests
	}
	if okTokens {
		lastRateLimit.RemainingTokens = remainingTokens
	}
	lastRateLimit.ObservedAt = time.Now()
	rateLimitMu.Unlock()
}

func headerInt(header http.Header, key string) (int, bool) {
	value := header.Get(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}
