// Package agent drives the tool-calling loop: stream a completion, detect
// tool calls, execute them, manage the context window, repeat until the
// model answers, the round ceiling is hit, or the caller cancels.
package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cafezin/internal/agent/ports"
	cferrors "cafezin/internal/errors"
	"cafezin/internal/history"
	"cafezin/internal/llm"
	"cafezin/internal/logging"
	"cafezin/internal/observability"
	"cafezin/internal/parser"
)

// Config bounds a session. Zero values take defaults.
type Config struct {
	// MaxRounds is the round ceiling. Deliberately high: tool-calling
	// sessions run long, and exhaustion is resumable, not fatal.
	MaxRounds int
	// MaxToolResultChars caps a single tool result before it enters the
	// window.
	MaxToolResultChars int
	SessionID          string
}

func (c Config) withDefaults() Config {
	if c.MaxRounds == 0 {
		c.MaxRounds = 100
	}
	if c.MaxToolResultChars == 0 {
		c.MaxToolResultChars = 32_000
	}
	return c
}

const truncationMarker = "\n\n[... output truncated]"

const exhaustionNotice = "The round limit for this session was reached before the task completed. " +
	"You can continue from where it stopped."

// Engine is the agent loop controller. One Engine drives one session; rounds
// never run concurrently.
type Engine struct {
	client     llm.StreamingClient
	executor   ports.ToolExecutor
	extractor  *parser.Extractor
	compressor *history.Compressor
	metrics    *observability.Metrics
	logger     logging.Logger
	config     Config
}

func NewEngine(client llm.StreamingClient, executor ports.ToolExecutor, compressor *history.Compressor,
	metrics *observability.Metrics, logger logging.Logger, config Config) *Engine {
	var names []string
	for _, def := range executor.Definitions() {
		names = append(names, def.Name)
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	logger = logging.OrNop(logger)
	return &Engine{
		client:     client,
		executor:   executor,
		extractor:  parser.NewExtractor(logger, names),
		compressor: compressor,
		metrics:    metrics,
		logger:     logger,
		config:     config.withDefaults(),
	}
}

// Run executes the loop to a terminal state and returns the final window.
// Cancellation is not an error: the partial window comes back with a nil
// error and no callback fires for it.
func (e *Engine) Run(ctx context.Context, messages []llm.Message, callbacks ports.Callbacks) ([]llm.Message, error) {
	window := history.Sanitize(messages)
	tools := e.wireTools()

	for round := 1; round <= e.config.MaxRounds; round++ {
		if ctx.Err() != nil {
			e.logger.Info("Session cancelled before round %d", round)
			return window, nil
		}

		next, done, err := e.runRound(ctx, window, tools, round, callbacks)
		window = next
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("Session cancelled during round %d", round)
				return window, nil
			}
			e.logger.Error("Round %d failed: %v", round, err)
			if callbacks.OnError != nil {
				callbacks.OnError(err)
			}
			return window, err
		}
		if done {
			return window, nil
		}
	}

	e.logger.Warn("Round ceiling (%d) reached, session exhausted", e.config.MaxRounds)
	e.metrics.Exhaustions.Inc()
	window = append(window, llm.Message{
		Role:    llm.RoleAssistant,
		Origin:  llm.OriginNotice,
		Content: exhaustionNotice,
	})
	if callbacks.OnChunk != nil {
		callbacks.OnChunk(exhaustionNotice)
	}
	if callbacks.OnExhausted != nil {
		callbacks.OnExhausted(e.config.MaxRounds)
	}
	return window, nil
}

func (e *Engine) runRound(ctx context.Context, window []llm.Message, tools []llm.ToolDefinition,
	round int, callbacks ports.Callbacks) (_ []llm.Message, done bool, _ error) {

	ctx, span := observability.Tracer().Start(ctx, "agent.round")
	span.SetAttributes(
		attribute.Int("cafezin.round", round),
		attribute.String("cafezin.session_id", e.config.SessionID),
		attribute.String("cafezin.model", e.client.Model()),
	)
	defer span.End()

	window = history.Sanitize(window)

	filter := newMarkupFilter(callbacks.OnChunk)
	resp, err := e.client.StreamComplete(ctx, llm.Request{
		Messages: window,
		Tools:    tools,
	}, llm.StreamCallbacks{
		OnContentDelta: func(delta string, final bool) {
			if final {
				filter.Flush()
				return
			}
			filter.Write(delta)
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return window, false, err
	}
	e.metrics.Rounds.Inc()

	calls, cleaned := e.extractor.Extract(resp.Content, resp.ToolCalls)
	span.SetAttributes(attribute.Int("cafezin.tool_calls", len(calls)))

	if len(calls) == 0 {
		if cleaned != "" {
			window = append(window, llm.Message{Role: llm.RoleAssistant, Content: cleaned})
		}
		e.logger.Info("Round %d: model answered, session done", round)
		if callbacks.OnDone != nil {
			callbacks.OnDone(cleaned)
		}
		return window, true, nil
	}

	window = append(window, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   cleaned,
		ToolCalls: calls,
	})
	for _, call := range calls {
		window = append(window, e.executeCall(ctx, call, callbacks))
	}

	managed, compressed := e.compressor.Manage(ctx, window, round)
	window = managed
	if compressed {
		e.metrics.Compressions.Inc()
	}

	window = injectVision(window, llm.SupportsVision(e.client.Model()))
	return window, false, nil
}

// executeCall runs one tool and converts its outcome into the tool message
// appended to the window. Execution errors feed back to the model; they
// never end the session.
func (e *Engine) executeCall(ctx context.Context, call llm.ToolCall, callbacks ports.Callbacks) llm.Message {
	e.logger.Debug("Executing tool %s (call %s)", call.Name, call.ID)
	if callbacks.OnToolStart != nil {
		callbacks.OnToolStart(call.ID, call.Name, call.Arguments)
	}

	result, err := e.executor.Execute(ctx, call.Name, call.Arguments)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		e.logger.Warn("Tool %s failed: %v", call.Name, err)
		result = cferrors.FormatForModel(err)
	}
	e.metrics.ToolCalls.WithLabelValues(outcome).Inc()
	result = capResult(result, e.config.MaxToolResultChars)

	if callbacks.OnToolActivity != nil {
		callbacks.OnToolActivity(ports.ToolActivity{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    result,
			Err:       err,
		})
	}
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Content:    result,
	}
}

func (e *Engine) wireTools() []llm.ToolDefinition {
	defs := e.executor.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// capResult truncates oversized tool output. Rune-based so multibyte text is
// never split mid-character.
func capResult(result string, maxChars int) string {
	runes := []rune(result)
	if len(runes) <= maxChars {
		return result
	}
	return fmt.Sprintf("%s%s", string(runes[:maxChars]), truncationMarker)
}
