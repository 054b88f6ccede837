// Package config loads and validates the host configuration tree from a
// YAML file, with environment variable expansion and hot reload of the
// server and root definitions.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ch1109/maestro/internal/approval"
	"github.com/ch1109/maestro/internal/mcp"
	"github.com/ch1109/maestro/internal/risk"
	"github.com/ch1109/maestro/internal/roots"
	"github.com/ch1109/maestro/internal/sampling"
)

// Config is the full configuration tree.
type Config struct {
	Host     HostConfig          `yaml:"host"`
	Logging  LoggingConfig       `yaml:"logging"`
	Audit    AuditConfig         `yaml:"audit"`
	Tracing  TracingConfig       `yaml:"tracing"`
	LLM      LLMConfig           `yaml:"llm"`
	Servers  []*mcp.ServerConfig `yaml:"servers"`
	Roots    RootsConfig         `yaml:"roots"`
	Approval ApprovalConfig      `yaml:"approval"`
	Sampling SamplingConfig      `yaml:"sampling"`
	React    ReactConfig         `yaml:"react"`
}

// HostConfig sets the API listener and session bounds.
type HostConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	MaxSessions  int    `yaml:"max_sessions"`
	HistoryLimit int    `yaml:"history_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Output        string        `yaml:"output"`
	Buffer        int           `yaml:"buffer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	IncludeArgs   bool          `yaml:"include_args"`
}

type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// LLMConfig names the default backend and configures each provider.
// A provider left nil is not registered.
type LLMConfig struct {
	Default   string          `yaml:"default"`
	Timeout   time.Duration   `yaml:"timeout"`
	Providers ProvidersConfig `yaml:"providers"`
}

type ProvidersConfig struct {
	OpenAI    *ProviderConfig `yaml:"openai,omitempty"`
	Anthropic *ProviderConfig `yaml:"anthropic,omitempty"`
	Ollama    *ProviderConfig `yaml:"ollama,omitempty"`
	Zhipu     *ProviderConfig `yaml:"zhipu,omitempty"`
	Qwen      *ProviderConfig `yaml:"qwen,omitempty"`
}

// ProviderConfig holds per-backend credentials and defaults. Timeout only
// applies to backends that run their own HTTP client (ollama, zhipu).
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type RootsConfig struct {
	Strict  bool                    `yaml:"strict"`
	Global  []RootConfig            `yaml:"global"`
	Servers map[string][]RootConfig `yaml:"servers"`
}

type RootConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// ApprovalConfig shapes the confirmation gate: which risk levels are held,
// per-tool overrides, and verdict mechanics.
type ApprovalConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	ConfirmLevels         []string      `yaml:"confirm_levels"`
	AllowTools            []string      `yaml:"allow_tools"`
	DenyTools             []string      `yaml:"deny_tools"`
	DoubleConfirmCritical bool          `yaml:"double_confirm_critical"`
	AllowModification     *bool         `yaml:"allow_modification,omitempty"`
}

// SamplingConfig enables server-initiated completions and embeds their
// security policy.
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`

	sampling.SecurityConfig `yaml:",inline"`
}

type ReactConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	MaxTokens     int `yaml:"max_tokens"`
}

// Load reads the configuration file, expands ${ENV_VAR} references, applies
// defaults, and validates the result. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw YAML the same way Load does, without touching the
// filesystem.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single document")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host.Addr == "" {
		cfg.Host.Addr = ":8420"
	}
	if cfg.Host.BasePath == "" {
		cfg.Host.BasePath = "/api"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 120 * time.Second
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = 300 * time.Second
	}
	if len(cfg.Approval.ConfirmLevels) == 0 {
		cfg.Approval.ConfirmLevels = []string{"high", "critical"}
	}
	if cfg.Approval.AllowModification == nil {
		allow := true
		cfg.Approval.AllowModification = &allow
	}
	if cfg.Sampling.Enabled {
		defaults := sampling.DefaultSecurityConfig()
		if cfg.Sampling.MaxTokensLimit == 0 {
			cfg.Sampling.MaxTokensLimit = defaults.MaxTokensLimit
		}
		if cfg.Sampling.DefaultMaxTokens == 0 {
			cfg.Sampling.DefaultMaxTokens = defaults.DefaultMaxTokens
		}
		if cfg.Sampling.RateLimitPerMinute == 0 {
			cfg.Sampling.RateLimitPerMinute = defaults.RateLimitPerMinute
		}
		if cfg.Sampling.RateLimitPerServer == 0 {
			cfg.Sampling.RateLimitPerServer = defaults.RateLimitPerServer
		}
		if cfg.Sampling.ApprovalTimeout == 0 {
			cfg.Sampling.ApprovalTimeout = defaults.ApprovalTimeout
		}
	}
}

// Policy translates the approval block into the risk policy the host
// enforces.
func (c ApprovalConfig) Policy() risk.Policy {
	levels := make([]risk.Level, 0, len(c.ConfirmLevels))
	for _, l := range c.ConfirmLevels {
		levels = append(levels, risk.Level(l))
	}
	return risk.Policy{
		ConfirmLevels: levels,
		AllowTools:    append([]string(nil), c.AllowTools...),
		DenyTools:     append([]string(nil), c.DenyTools...),
	}
}

// Store translates the approval block into the confirmation store
// configuration.
func (c ApprovalConfig) Store() approval.Config {
	disableModification := false
	if c.AllowModification != nil {
		disableModification = !*c.AllowModification
	}
	return approval.Config{
		TTL:                   c.Timeout,
		DoubleConfirmCritical: c.DoubleConfirmCritical,
		DisableModification:   disableModification,
	}
}

// Security returns the sampling policy, or nil when sampling is disabled.
func (c SamplingConfig) Security() *sampling.SecurityConfig {
	if !c.Enabled {
		return nil
	}
	sec := c.SecurityConfig
	return &sec
}

// Build converts the configured root lists into canonical roots.
func (c RootsConfig) Build() ([]roots.Root, map[string][]roots.Root, error) {
	global := make([]roots.Root, 0, len(c.Global))
	for _, rc := range c.Global {
		root, err := roots.NewRoot(rc.Path, rc.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("roots.global: %w", err)
		}
		global = append(global, root)
	}

	perServer := make(map[string][]roots.Root, len(c.Servers))
	for key, list := range c.Servers {
		serverRoots := make([]roots.Root, 0, len(list))
		for _, rc := range list {
			root, err := roots.NewRoot(rc.Path, rc.Name)
			if err != nil {
				return nil, nil, fmt.Errorf("roots.servers.%s: %w", key, err)
			}
			serverRoots = append(serverRoots, root)
		}
		perServer[key] = serverRoots
	}
	return global, perServer, nil
}

// Registry builds a roots registry populated from the configured global and
// per-server root lists.
func (c RootsConfig) Registry(logger *slog.Logger) (*roots.Registry, error) {
	global, perServer, err := c.Build()
	if err != nil {
		return nil, err
	}

	reg := roots.NewRegistry(c.Strict, logger)
	reg.SetGlobal(global)
	for key, serverRoots := range perServer {
		reg.Configure(key, serverRoots, c.Strict)
	}
	return reg, nil
}
