package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ch1109/maestro/internal/audit"
	"github.com/ch1109/maestro/internal/config"
	"github.com/ch1109/maestro/internal/host"
	"github.com/ch1109/maestro/internal/httpapi"
	"github.com/ch1109/maestro/internal/llm"
	"github.com/ch1109/maestro/internal/observability"
	"github.com/ch1109/maestro/internal/react"
)

// shutdownTimeout bounds the drain of in-flight requests and server stops.
const shutdownTimeout = 30 * time.Second

// buildServeCmd creates the "serve" command that runs the host.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP host",
		Long: `Run the MCP host with the configured servers and providers.

The host will:
1. Load configuration from the specified file (or maestro.yaml)
2. Register the configured LLM providers
3. Connect every auto-start MCP server
4. Serve the HTTP API with health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals. Edits to the
configuration file swap in the new server catalogue and roots without
touching running sessions.`,
		Example: `  # Start with the default config
  maestro serve

  # Start with a custom config and listen address
  maestro serve --config /etc/maestro/production.yaml --addr :9000

  # Start with debug logging
  maestro serve --log-level debug --log-format text`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := serveOverrides{addr: addr, logLevel: logLevel, logFormat: logFormat}
			return runServe(cmd.Context(), configPath, overrides)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "",
		"Listen address override (e.g. :8420)")
	cmd.Flags().StringVar(&logLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "",
		"Log format override: json, text")

	return cmd
}

// serveOverrides carries flag values that take precedence over the file.
type serveOverrides struct {
	addr      string
	logLevel  string
	logFormat string
}

func (o serveOverrides) apply(cfg *config.Config) {
	if o.addr != "" {
		cfg.Host.Addr = o.addr
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
}

// runServe wires the full host and blocks until a shutdown signal.
func runServe(ctx context.Context, configPath string, overrides serveOverrides) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	overrides.apply(cfg)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting maestro host",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_default", cfg.LLM.Default,
		"servers", len(cfg.Servers),
	)

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		Output:        cfg.Audit.Output,
		IncludeArgs:   cfg.Audit.IncludeArgs,
		BufferSize:    cfg.Audit.Buffer,
		FlushInterval: cfg.Audit.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}

	metrics := observability.NewMetrics(nil)
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "maestro",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	registry, err := buildLLMRegistry(cfg.LLM, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize llm providers: %w", err)
	}

	rootsRegistry, err := cfg.Roots.Registry(logger)
	if err != nil {
		return fmt.Errorf("failed to configure roots: %w", err)
	}

	h, err := host.New(host.Config{
		Servers:      cfg.Servers,
		Roots:        rootsRegistry,
		Policy:       cfg.Approval.Policy(),
		Approval:     cfg.Approval.Store(),
		Sampling:     cfg.Sampling.Security(),
		React:        react.Config{MaxIterations: cfg.React.MaxIterations, MaxTokens: cfg.React.MaxTokens},
		LLM:          registry,
		MaxSessions:  cfg.Host.MaxSessions,
		HistoryLimit: cfg.Host.HistoryLimit,
		Logger:       logger,
		Audit:        auditLogger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize host: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h.Start(ctx)

	api := httpapi.New(httpapi.Config{Addr: cfg.Host.Addr, BasePath: cfg.Host.BasePath}, h, logger, metrics)
	if err := api.Start(); err != nil {
		_ = h.Close()
		return fmt.Errorf("failed to start http api: %w", err)
	}

	watcher, err := config.Watch(configPath, logger, func(next *config.Config) {
		applyReload(h, next, logger)
	})
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	logger.Info("maestro host started", "addr", api.Addr())

	// Wait for the shutdown signal.
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := h.Close(); err != nil {
		logger.Error("host shutdown failed", "error", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}

	logger.Info("maestro host stopped gracefully")
	return nil
}

// applyReload swaps in the reloadable subset of a changed configuration:
// the server catalogue and the root definitions. Running sessions and
// connected servers are left alone.
func applyReload(h *host.Host, next *config.Config, logger *slog.Logger) {
	global, perServer, err := next.Roots.Build()
	if err != nil {
		logger.Warn("config reload skipped", "error", err)
		return
	}
	h.Reload(host.ReloadConfig{
		Servers:     next.Servers,
		GlobalRoots: global,
		ServerRoots: perServer,
		StrictRoots: next.Roots.Strict,
	})
}

// buildLLMRegistry registers every configured provider. At least one is
// guaranteed by config validation.
func buildLLMRegistry(cfg config.LLMConfig, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*llm.Registry, error) {
	registry := llm.NewRegistry(cfg.Default, cfg.Timeout, logger, metrics, tracer)
	p := cfg.Providers

	if p.Anthropic != nil {
		backend, err := llm.NewAnthropicBackend(llm.AnthropicConfig{
			APIKey:  p.Anthropic.APIKey,
			BaseURL: p.Anthropic.BaseURL,
			Model:   p.Anthropic.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}
	if p.OpenAI != nil {
		backend, err := llm.NewOpenAIBackend(llm.OpenAIConfig{
			APIKey:  p.OpenAI.APIKey,
			BaseURL: p.OpenAI.BaseURL,
			Model:   p.OpenAI.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}
	if p.Ollama != nil {
		backend := llm.NewOllamaBackend(llm.OllamaConfig{
			BaseURL: p.Ollama.BaseURL,
			Model:   p.Ollama.Model,
			Timeout: p.Ollama.Timeout,
		}, logger)
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}
	if p.Zhipu != nil {
		backend, err := llm.NewZhipuBackend(llm.ZhipuConfig{
			APIKey:  p.Zhipu.APIKey,
			BaseURL: p.Zhipu.BaseURL,
			Model:   p.Zhipu.Model,
			Timeout: p.Zhipu.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("zhipu: %w", err)
		}
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}
	if p.Qwen != nil {
		backend, err := llm.NewQwenBackend(llm.QwenConfig{
			APIKey:  p.Qwen.APIKey,
			BaseURL: p.Qwen.BaseURL,
			Model:   p.Qwen.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qwen: %w", err)
		}
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
