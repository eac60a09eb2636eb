package llm

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	cferrors "cafezin/internal/errors"
	"cafezin/internal/logging"
)

// Config carries the connection settings for a client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
	Tokens  TokenSource
	Logger  logging.Logger
	Retry   cferrors.RetryConfig
}

type client struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
	tokens     TokenSource
	retry      cferrors.RetryConfig
}

// NewClient constructs a streaming client for the chat completions endpoint.
func NewClient(model string, config Config) StreamingClient {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.githubcopilot.com"
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	tokens := config.Tokens
	if tokens == nil {
		tokens = StaticTokenSource("")
	}
	retry := config.Retry
	if retry.MaxAttempts == 0 && retry.BaseDelay == 0 {
		retry = cferrors.DefaultRetryConfig()
	}
	return &client{
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(config.Logger),
		headers:    config.Headers,
		tokens:     tokens,
		retry:      retry,
	}
}

func (c *client) Model() string { return c.model }

// Complete performs a non-streaming completion. Used for summarization calls
// by the budget manager.
func (c *client) Complete(ctx context.Context, req Request) (*Response, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	resp, err := c.open(ctx, prefix, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("%sResponse Body: %s", prefix, redactDataURIs(string(respBody)))

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage TokenUsage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, cferrors.NewPermanentError(
			fmt.Errorf("%s: %s", decoded.Error.Type, decoded.Error.Message),
			decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, cferrors.NewTransientError(stderrors.New("no choices in response"),
			"The endpoint returned an empty response. Retrying.")
	}

	choice := decoded.Choices[0]
	result := &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        decoded.Usage,
	}
	for i, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	c.logSummary(prefix, result)
	return result, nil
}

// StreamComplete performs a streaming completion, decoding the line-oriented
// event format into content and tool-call deltas while constructing the final
// aggregated response.
func (c *client) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	resp, err := c.open(ctx, prefix, req, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	type toolCallDelta struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content   string          `json:"content"`
				ToolCalls []toolCallDelta `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *TokenUsage `json:"usage"`
	}
	type toolAccumulator struct {
		id        string
		name      string
		arguments strings.Builder
	}

	accumulators := make(map[int]*toolAccumulator)
	var order []int
	var content strings.Builder
	usage := TokenUsage{}
	finishReason := ""

	scanner := newStreamScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed events are skipped, never fatal.
			c.logger.Debug("%sSkipping malformed stream chunk: %v", prefix, err)
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(text, false)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name += tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.arguments.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read response stream: %w", err)
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta("", true)
	}

	result := &Response{
		Content:      content.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}
	for i, idx := range order {
		acc := accumulators[idx]
		id := acc.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        id,
			Name:      acc.name,
			Arguments: acc.arguments.String(),
		})
	}
	c.logSummary(prefix, result)
	return result, nil
}

// open issues the POST, handling three recovery policies before any stream
// data is consumed: exponential-backoff retries for transient failures, one
// token refresh after the endpoint rejects the session token, and one
// image-stripping retry after a 400 on a request whose trailing message
// inlines an image.
func (c *client) open(ctx context.Context, prefix string, req Request, stream bool) (*http.Response, error) {
	tokenRefreshed := false
	attempt := func(ctx context.Context) (*http.Response, error) {
		return c.doAttempt(ctx, prefix, req, stream, &tokenRefreshed)
	}

	resp, err := cferrors.RetryWithResult(ctx, c.retry, c.logger, attempt)
	if err == nil {
		return resp, nil
	}

	if cferrors.StatusCode(err) == http.StatusBadRequest && trailingMessageHasImage(req) {
		c.logger.Warn("%s400 on a request with a trailing image; retrying once with the image stripped", prefix)
		stripped := stripTrailingImages(req)
		strippedRefresh := false
		return cferrors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) (*http.Response, error) {
			return c.doAttempt(ctx, prefix, stripped, stream, &strippedRefresh)
		})
	}
	return nil, err
}

func (c *client) doAttempt(ctx context.Context, prefix string, req Request, stream bool, tokenRefreshed *bool) (*http.Response, error) {
	token, err := c.tokens.SessionToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequestBody(c.model, req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("%s=== Request ===", prefix)
	c.logger.Debug("%sURL: POST %s", prefix, endpoint)
	c.logger.Debug("%sModel: %s stream=%t", prefix, c.model, stream)
	c.logger.Debug("%sBody: %s", prefix, redactDataURIs(string(body)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	recordRateLimit(resp.Header)

	c.logger.Debug("%s=== Response ===", prefix)
	c.logger.Debug("%sStatus: %d %s", prefix, resp.StatusCode, resp.Status)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read error response: %w", readErr)
	}
	c.logger.Debug("%sError Body: %s", prefix, string(respBody))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate()
		if !*tokenRefreshed {
			// Session tokens expire mid-session; one refresh cycle is normal.
			*tokenRefreshed = true
			return nil, cferrors.NewTransientError(
				fmt.Errorf("api error %d: session token rejected", resp.StatusCode),
				"Session token rejected. Refreshing and retrying.")
		}
		return nil, fmt.Errorf("%w: api error %d", cferrors.ErrNotAuthenticated, resp.StatusCode)
	}

	return nil, cferrors.MapHTTPStatus(resp.StatusCode, respBody, resp.Header)
}

func (c *client) logSummary(prefix string, result *Response) {
	c.logger.Debug("%s=== Summary ===", prefix)
	c.logger.Debug("%sFinish Reason: %s", prefix, result.FinishReason)
	c.logger.Debug("%sContent Length: %d chars", prefix, len(result.Content))
	c.logger.Debug("%sTool Calls: %d", prefix, len(result.ToolCalls))
	c.logger.Debug("%sUsage: %d prompt + %d completion = %d total tokens",
		prefix, result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens)
}
