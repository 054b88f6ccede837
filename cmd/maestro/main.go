// Package main provides the CLI entry point for the Maestro MCP host.
//
// Maestro connects LLM providers (Anthropic, OpenAI, Ollama, Zhipu, Qwen) to
// Model Context Protocol servers over stdio and SSE, with risk-gated tool
// confirmations, filesystem roots, and an HTTP API for sessions, chat, and
// tool execution.
//
// # Basic Usage
//
// Start the host:
//
//	maestro serve --config maestro.yaml
//
// Check a configuration file without starting anything:
//
//	maestro validate --config maestro.yaml
//
// # Environment Variables
//
// Secrets referenced from the config file as ${VAR} are taken from the
// process environment. A .env.local or .env file in the working directory
// is loaded first, without overriding variables already set.
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - DASHSCOPE_API_KEY: Alibaba DashScope key for Qwen models
//   - ZHIPU_API_KEY: Zhipu open platform key for GLM models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// defaultConfigName is the config file looked up in the working directory
// when --config is not given.
const defaultConfigName = "maestro.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Bootstrap logging; serve replaces this with the configured handler.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := loadEnvFiles(); err != nil {
		slog.Warn("failed to load env files", "error", err)
	}

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - MCP host for LLM tool use",
		Long: `Maestro hosts Model Context Protocol servers for LLM-driven tool use.

It manages MCP servers over stdio and SSE transports, gates risky tools
behind human confirmation, enforces filesystem root boundaries, and exposes
sessions, chat, and tool operations over an HTTP API with SSE streaming.

Supported LLM providers: Anthropic, OpenAI, Ollama, Zhipu, Qwen`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// loadEnvFiles loads .env.local then .env from the working directory.
// Missing files are fine; existing environment variables win.
func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maestro %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
