// cafezin-agent is a minimal host for the agent loop: it wires the config,
// token manager, streaming client, and budget manager together and runs one
// prompt from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cafezin/internal/agent"
	"cafezin/internal/agent/ports"
	"cafezin/internal/archive"
	"cafezin/internal/auth"
	"cafezin/internal/config"
	"cafezin/internal/errors"
	"cafezin/internal/history"
	"cafezin/internal/llm"
	"cafezin/internal/logging"
	"cafezin/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		model      string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "cafezin-agent [prompt...]",
		Short: "Run the tool-calling agent loop on a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Model = model
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg, strings.Join(args, " "))
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	cmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model identifier")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("host")
	logger.Info("Starting session with model %s", cfg.Model)

	credential := cfg.Credential
	if credential == "" {
		credential = os.Getenv("CAFEZIN_CREDENTIAL")
	}
	if credential == "" {
		return fmt.Errorf("no credential configured (set CAFEZIN_CREDENTIAL)")
	}

	tokens := auth.NewManager(auth.StaticCredentialSource(credential), auth.ManagerConfig{
		ExchangeURL: cfg.ExchangeURL,
		Logger:      logging.NewComponentLogger("auth"),
	})

	metrics := observability.NewMetrics(nil)

	retry := errors.DefaultRetryConfig()
	retry.OnRetry = func(int) { metrics.StreamRetries.Inc() }
	client := llm.NewClient(cfg.Model, llm.Config{
		BaseURL: cfg.Endpoint,
		Timeout: cfg.RequestTimeout,
		Tokens:  tokens,
		Logger:  logging.NewComponentLogger("llm"),
		Retry:   retry,
	})

	var sink archive.Sink = archive.NopSink{}
	if cfg.ArchiveDir != "" {
		fileSink, err := archive.NewFileSink(cfg.ArchiveDir)
		if err != nil {
			return err
		}
		sink = fileSink
	}

	sessionID := uuid.NewString()
	compressor := history.NewCompressor(client, sink, sessionID, history.BudgetConfig{
		BudgetTokens:   cfg.BudgetTokens,
		KeepTail:       cfg.KeepTail,
		MaxRoundGroups: cfg.MaxRoundGroups,
	}, logging.NewComponentLogger("budget"))

	engine := agent.NewEngine(client, demoExecutor{}, compressor,
		metrics, logging.NewComponentLogger("agent"), agent.Config{
			MaxRounds:          cfg.MaxRounds,
			MaxToolResultChars: cfg.MaxToolResultChars,
			SessionID:          sessionID,
		})

	toolColor := color.New(color.FgGreen)
	dimColor := color.New(color.Faint)

	_, err := engine.Run(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a capable assistant with tool access. Use tools when they help."},
		{Role: llm.RoleUser, Content: prompt},
	}, ports.Callbacks{
		OnChunk: func(text string) {
			fmt.Print(text)
		},
		OnToolStart: func(callID, name, arguments string) {
			toolColor.Printf("\n⏺ %s(%s)\n", name, compactArgs(arguments))
		},
		OnToolActivity: func(activity ports.ToolActivity) {
			if activity.Err != nil {
				color.Yellow("  %s failed: %v", activity.Name, activity.Err)
				return
			}
			dimColor.Printf("  %s\n", firstLine(activity.Result))
		},
		OnDone: func(string) {
			fmt.Println()
		},
		OnExhausted: func(rounds int) {
			color.Yellow("\nStopped after %d rounds; rerun to continue.", rounds)
		},
		OnError: func(err error) {
			if errors.IsNotAuthenticated(err) {
				color.Red("\nNot authenticated; refresh your credential and retry.")
			}
		},
	})
	return err
}

// demoExecutor ships two toy tools so the loop is exercisable end to end
// without a host application.
type demoExecutor struct{}

func (demoExecutor) Definitions() []ports.ToolDefinition {
	return []ports.ToolDefinition{
		{
			Name:        "current_time",
			Description: "Returns the current local time.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "read_file",
			Description: "Reads a file from the local filesystem.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "File path to read"},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (demoExecutor) Execute(_ context.Context, name string, arguments string) (string, error) {
	switch name {
	case "current_time":
		return time.Now().Format(time.RFC3339), nil
	case "read_file":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		data, err := os.ReadFile(args.Path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func compactArgs(arguments string) string {
	arguments = strings.Join(strings.Fields(arguments), " ")
	runes := []rune(arguments)
	if len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return arguments
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		s = s[:idx]
	}
	runes := []rune(s)
	if len(runes) > 120 {
		return string(runes[:117]) + "..."
	}
	return s
}
