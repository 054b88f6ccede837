package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ch1109/maestro/internal/config"
	"github.com/ch1109/maestro/internal/mcp"
)

// buildValidateCmd creates the "validate" command for config checking.
func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load and validate a configuration file, then print a summary of the
providers, servers, and roots it defines. Nothing is started.`,
		Example: `  maestro validate --config /etc/maestro/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")

	return cmd
}

// runValidate handles the validate command.
func runValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	fmt.Fprintf(out, "Configuration OK: %s\n", configPath)

	fmt.Fprintf(out, "\nLLM providers (default: %s):\n", cfg.LLM.Default)
	for _, p := range []struct {
		name string
		cfg  *config.ProviderConfig
	}{
		{"anthropic", cfg.LLM.Providers.Anthropic},
		{"openai", cfg.LLM.Providers.OpenAI},
		{"ollama", cfg.LLM.Providers.Ollama},
		{"zhipu", cfg.LLM.Providers.Zhipu},
		{"qwen", cfg.LLM.Providers.Qwen},
	} {
		if p.cfg == nil {
			continue
		}
		if p.cfg.Model != "" {
			fmt.Fprintf(out, "  - %s (model: %s)\n", p.name, p.cfg.Model)
		} else {
			fmt.Fprintf(out, "  - %s\n", p.name)
		}
	}

	fmt.Fprintf(out, "\nServers (%d):\n", len(cfg.Servers))
	for _, srv := range cfg.Servers {
		target := srv.URL
		if srv.Transport == mcp.TransportStdio {
			target = strings.TrimSpace(srv.Command + " " + strings.Join(srv.Args, " "))
		}
		extra := ""
		if srv.AutoStart {
			extra = ", auto-start"
		}
		fmt.Fprintf(out, "  - %s (%s%s): %s\n", srv.Key, srv.Transport, extra, target)
	}

	mode := "advisory"
	if cfg.Roots.Strict {
		mode = "strict"
	}
	fmt.Fprintf(out, "\nRoots (%s):\n", mode)
	for _, r := range cfg.Roots.Global {
		fmt.Fprintf(out, "  - %s (global)\n", describeRoot(r))
	}
	serverKeys := make([]string, 0, len(cfg.Roots.Servers))
	for key := range cfg.Roots.Servers {
		serverKeys = append(serverKeys, key)
	}
	sort.Strings(serverKeys)
	for _, key := range serverKeys {
		for _, r := range cfg.Roots.Servers[key] {
			fmt.Fprintf(out, "  - %s (%s)\n", describeRoot(r), key)
		}
	}

	fmt.Fprintf(out, "\nApproval: confirm %v, timeout %s\n", cfg.Approval.ConfirmLevels, cfg.Approval.Timeout)
	if cfg.Sampling.Enabled {
		fmt.Fprintf(out, "Sampling: enabled (%d/min global, %d/min per server)\n",
			cfg.Sampling.RateLimitPerMinute, cfg.Sampling.RateLimitPerServer)
	} else {
		fmt.Fprintln(out, "Sampling: disabled")
	}

	return nil
}

func describeRoot(r config.RootConfig) string {
	if r.Name != "" {
		return fmt.Sprintf("%s %q", r.Path, r.Name)
	}
	return r.Path
}
