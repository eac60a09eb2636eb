package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cferrors "cafezin/internal/errors"
)

func fastRetry() cferrors.RetryConfig {
	return cferrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, model string, handler http.HandlerFunc) StreamingClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(model, Config{
		BaseURL: srv.URL,
		Tokens:  StaticTokenSource("test-token"),
		Retry:   fastRetry(),
	})
}

func writeSSE(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestStreamCompleteDecodesContentAndToolCalls(t *testing.T) {
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"stream":true`)

		writeSSE(w,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"read_","arguments":"{\"pa"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"file","arguments":"th\":\"a.md\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		)
	})

	var deltas []string
	finals := 0
	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{OnContentDelta: func(delta string, final bool) {
		if final {
			finals++
			return
		}
		deltas = append(deltas, delta)
	}})

	require.NoError(t, err)
	require.Equal(t, "Hello", resp.Content)
	require.Equal(t, []string{"Hel", "lo"}, deltas)
	require.Equal(t, 1, finals)
	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call_abc", resp.ToolCalls[0].ID)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.JSONEq(t, `{"path":"a.md"}`, resp.ToolCalls[0].Arguments)
}

func TestStreamCompleteSkipsMalformedChunks(t *testing.T) {
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"content":"ok"}}]}`,
			`{not valid json`,
			`{"choices":[{"delta":{"content":"!"}}]}`,
		)
	})

	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{})
	require.NoError(t, err)
	require.Equal(t, "ok!", resp.Content)
}

func TestStreamCompleteRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		writeSSE(w, `{"choices":[{"delta":{"content":"recovered"}}]}`)
	})

	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{})
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Content)
	require.EqualValues(t, 2, attempts.Load())
}

func TestStreamCompleteDoesNotRetryBadRequest(t *testing.T) {
	var attempts atomic.Int32
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "schema mismatch", http.StatusBadRequest)
	})

	_, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{})
	require.Error(t, err)
	require.False(t, cferrors.IsTransient(err))
	require.EqualValues(t, 1, attempts.Load())
}

func TestBadRequestWithTrailingImageRetriedStripped(t *testing.T) {
	var attempts atomic.Int32
	var secondBody string
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if attempts.Add(1) == 1 {
			require.Contains(t, string(body), "image_url")
			http.Error(w, "image too large", http.StatusBadRequest)
			return
		}
		secondBody = string(body)
		writeSSE(w, `{"choices":[{"delta":{"content":"described"}}]}`)
	})

	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleUser, Content: "look at this"},
			{Role: RoleUser, Parts: []ContentPart{
				TextPart("screen"),
				ImagePart("data:image/png;base64,AAAA"),
			}},
		},
	}, StreamCallbacks{})

	require.NoError(t, err)
	require.Equal(t, "described", resp.Content)
	require.EqualValues(t, 2, attempts.Load())
	require.NotContains(t, secondBody, "image_url")
	require.Contains(t, secondBody, ImageStrippedPlaceholder)
}

type countingTokens struct {
	invalidations atomic.Int32
}

func (c *countingTokens) SessionToken(context.Context) (string, error) { return "tok", nil }
func (c *countingTokens) Invalidate()                                  { c.invalidations.Add(1) }

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		writeSSE(w, `{"choices":[{"delta":{"content":"back"}}]}`)
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	client := NewClient("gpt-4o", Config{BaseURL: srv.URL, Tokens: tokens, Retry: fastRetry()})

	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{})
	require.NoError(t, err)
	require.Equal(t, "back", resp.Content)
	require.EqualValues(t, 1, tokens.invalidations.Load())
}

func TestPersistentUnauthorizedSurfacesNotAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	client := NewClient("gpt-4o", Config{BaseURL: srv.URL, Tokens: tokens, Retry: fastRetry()})

	_, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{})
	require.True(t, cferrors.IsNotAuthenticated(err))
	require.GreaterOrEqual(t, tokens.invalidations.Load(), int32(2))
}

func TestCompleteClassifiesQuota(t *testing.T) {
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"monthly quota exceeded"}}`, http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.True(t, cferrors.IsQuota(err))
}

func TestCompleteParsesAggregateResponse(t *testing.T) {
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"stream":false`)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "a dense brief",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
		})
	})

	resp, err := client.Complete(context.Background(), Request{
		Messages:    []Message{{Role: RoleUser, Content: "summarize"}},
		Temperature: 0.2,
		MaxTokens:   2048,
	})
	require.NoError(t, err)
	require.Equal(t, "a dense brief", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 120, resp.Usage.TotalTokens)
}

func TestRateLimitSnapshotRecorded(t *testing.T) {
	client := newTestClient(t, "gpt-4o", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining-requests", "42")
		w.Header().Set("x-ratelimit-remaining-tokens", "9000")
		writeSSE(w, `{"choices":[{"delta":{"content":"ok"}}]}`)
	})

	_, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{})
	require.NoError(t, err)

	snapshot := LastRateLimit()
	require.Equal(t, 42, snapshot.RemainingRequests)
	require.Equal(t, 9000, snapshot.RemainingTokens)
	require.WithinDuration(t, time.Now(), snapshot.ObservedAt, 5*time.Second)
}

func TestBuildRequestBodyModelFamilies(t *testing.T) {
	req := Request{
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   500,
	}

	standard := buildRequestBody("gpt-4o", req, true)
	require.Equal(t, 0.7, standard["temperature"])
	require.Equal(t, 500, standard["max_tokens"])
	require.NotContains(t, standard, "max_completion_tokens")

	reasoning := buildRequestBody("o3-mini", req, true)
	require.NotContains(t, reasoning, "temperature")
	require.NotContains(t, reasoning, "max_tokens")
	require.Equal(t, 500, reasoning["max_completion_tokens"])
}

func TestWireMessagesDropsLocalFields(t *testing.T) {
	wired := WireMessages([]Message{
		{Role: RoleUser, Content: "screen", Origin: OriginVision},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Name: "read_file"}}},
	})
	require.Len(t, wired, 2)
	require.NotContains(t, wired[0], "origin")

	data, err := json.Marshal(wired)
	require.NoError(t, err)
	require.NotContains(t, string(data), "origin")
	require.Contains(t, strings.ToLower(string(data)), `"arguments":"{}"`)
}
