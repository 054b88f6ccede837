package config

import (
	"fmt"
	"strings"

	"github.com/ch1109/maestro/internal/mcp"
	"github.com/ch1109/maestro/internal/risk"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

// Validate checks the tree for structural problems. Every error names the
// offending field.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTracing(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateServers(); err != nil {
		return err
	}
	if err := c.validateRoots(); err != nil {
		return err
	}
	if err := c.validateApproval(); err != nil {
		return err
	}
	if c.React.MaxIterations < 0 {
		return fmt.Errorf("react.max_iterations: must not be negative, got %d", c.React.MaxIterations)
	}
	if c.React.MaxTokens < 0 {
		return fmt.Errorf("react.max_tokens: must not be negative, got %d", c.React.MaxTokens)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !contains(logLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level: %q is not one of %s", c.Logging.Level, strings.Join(logLevels, ", "))
	}
	if !contains(logFormats, c.Logging.Format) {
		return fmt.Errorf("logging.format: %q is not one of %s", c.Logging.Format, strings.Join(logFormats, ", "))
	}
	return nil
}

func (c *Config) validateTracing() error {
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate: must be between 0 and 1, got %g", c.Tracing.SampleRate)
	}
	return nil
}

func (c *Config) validateLLM() error {
	configured := c.LLM.Providers.names()
	if len(configured) == 0 {
		return fmt.Errorf("llm.providers: at least one provider must be configured")
	}
	if c.LLM.Default != "" && !contains(configured, c.LLM.Default) {
		return fmt.Errorf("llm.default: %q is not a configured provider (have %s)",
			c.LLM.Default, strings.Join(configured, ", "))
	}
	return nil
}

func (c *Config) validateServers() error {
	seen := make(map[string]int, len(c.Servers))
	for i, srv := range c.Servers {
		if srv == nil {
			return fmt.Errorf("servers[%d]: empty entry", i)
		}
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("servers[%d] (%s): %w", i, srv.Key, err)
		}
		if prev, dup := seen[srv.Key]; dup {
			return fmt.Errorf("servers[%d].key: %q already used by servers[%d]", i, srv.Key, prev)
		}
		seen[srv.Key] = i
	}
	return nil
}

func (c *Config) validateRoots() error {
	if _, _, err := c.Roots.Build(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Roots.Global))
	for i, rc := range c.Roots.Global {
		if seen[rc.Path] {
			return fmt.Errorf("roots.global[%d].path: %q listed twice", i, rc.Path)
		}
		seen[rc.Path] = true
	}

	for key := range c.Roots.Servers {
		if !serverConfigured(c.Servers, key) {
			return fmt.Errorf("roots.servers.%s: no such server configured", key)
		}
	}
	return nil
}

func (c *Config) validateApproval() error {
	if c.Approval.Timeout < 0 {
		return fmt.Errorf("approval.timeout: must not be negative, got %s", c.Approval.Timeout)
	}
	for i, l := range c.Approval.ConfirmLevels {
		if !risk.Level(l).Valid() {
			return fmt.Errorf("approval.confirm_levels[%d]: %q is not a risk level", i, l)
		}
	}
	return nil
}

func (p ProvidersConfig) names() []string {
	var out []string
	if p.OpenAI != nil {
		out = append(out, "openai")
	}
	if p.Anthropic != nil {
		out = append(out, "anthropic")
	}
	if p.Ollama != nil {
		out = append(out, "ollama")
	}
	if p.Zhipu != nil {
		out = append(out, "zhipu")
	}
	if p.Qwen != nil {
		out = append(out, "qwen")
	}
	return out
}

func serverConfigured(servers []*mcp.ServerConfig, key string) bool {
	for _, srv := range servers {
		if srv != nil && srv.Key == key {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, entry := range list {
		if entry == v {
			return true
		}
	}
	return false
}
