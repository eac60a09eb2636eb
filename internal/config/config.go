// Package config loads runtime settings from a YAML file and CAFEZIN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// Endpoint is the base URL of the chat completions API.
	Endpoint string `mapstructure:"endpoint"`
	// ExchangeURL trades the long-lived credential for a session token.
	ExchangeURL string `mapstructure:"exchange_url"`
	// Credential is the long-lived OAuth credential. Usually supplied via
	// CAFEZIN_CREDENTIAL rather than the file.
	Credential string `mapstructure:"credential"`
	Model      string `mapstructure:"model"`

	MaxRounds          int `mapstructure:"max_rounds"`
	MaxToolResultChars int `mapstructure:"max_tool_result_chars"`
	BudgetTokens       int `mapstructure:"budget_tokens"`
	KeepTail           int `mapstructure:"keep_tail"`
	MaxRoundGroups     int `mapstructure:"max_round_groups"`

	ArchiveDir     string        `mapstructure:"archive_dir"`
	LogLevel       string        `mapstructure:"log_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "https://api.githubcopilot.com")
	v.SetDefault("exchange_url", "https://api.github.com/copilot_internal/v2/token")
	v.SetDefault("model", "gpt-4o")
	v.SetDefault("max_rounds", 100)
	v.SetDefault("max_tool_result_chars", 32_000)
	v.SetDefault("budget_tokens", 90_000)
	v.SetDefault("keep_tail", 8)
	v.SetDefault("max_round_groups", 14)
	v.SetDefault("archive_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("request_timeout", 2*time.Minute)
}

// Load reads cafezin.yaml from path (or $HOME and the working directory when
// path is empty), applies CAFEZIN_* environment overrides, and returns the
// result. A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAFEZIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cafezin")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
