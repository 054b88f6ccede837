package llm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/observability"
)

// Registry routes completion requests to configured backends. Every call is
// wrapped with a trace span, request metrics, and a single retry after a
// short pause when the backend reports an upstream failure.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	defaultName string

	timeout   time.Duration
	retryWait time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewRegistry builds an empty registry. defaultName selects the backend used
// when a request names no provider; when empty, the first registered backend
// becomes the default. timeout bounds each completion including the retry,
// zero means no bound beyond the caller's context.
func NewRegistry(defaultName string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backends:    make(map[string]Backend),
		defaultName: defaultName,
		timeout:     timeout,
		retryWait:   2 * time.Second,
		logger:      logger.With("component", "llm"),
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Register adds a backend under its own name.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return hosterr.New(hosterr.KindValidation, "backend is nil")
	}
	name := b.Name()
	if name == "" {
		return hosterr.New(hosterr.KindValidation, "backend has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		return hosterr.Newf(hosterr.KindConflict, "llm backend %q already registered", name)
	}
	r.backends[name] = b
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// Backend returns the backend registered under name.
func (r *Registry) Backend(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, hosterr.Newf(hosterr.KindNotFound, "llm backend %q not configured", name)
	}
	return b, nil
}

// DefaultName returns the name of the default backend, empty when none is
// registered.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete resolves the backend for provider (the default when empty) and
// executes the request. An upstream failure is retried once after retryWait
// unless the context ends first; all other error kinds surface immediately.
func (r *Registry) Complete(ctx context.Context, provider string, req *Request) (*Response, error) {
	if req == nil {
		return nil, hosterr.New(hosterr.KindValidation, "completion request is nil")
	}

	name := provider
	if name == "" {
		name = r.DefaultName()
	}
	backend, err := r.Backend(name)
	if err != nil {
		return nil, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.TraceLLMRequest(ctx, name, req.Model)
		defer span.End()
	}

	start := time.Now()
	resp, err := backend.Complete(ctx, req)
	if err != nil && hosterr.IsKind(err, hosterr.KindUpstream) {
		r.logger.Warn("completion failed upstream, retrying once",
			"provider", name,
			"model", req.Model,
			"error", err)
		select {
		case <-ctx.Done():
		case <-time.After(r.retryWait):
			resp, err = backend.Complete(ctx, req)
		}
	}
	duration := time.Since(start)

	model := req.Model
	status := "success"
	if err != nil {
		status = "error"
		if r.tracer != nil {
			r.tracer.RecordError(span, err)
		}
	} else if resp.Model != "" {
		model = resp.Model
	}

	if r.metrics != nil {
		var in, out int
		if resp != nil {
			in = resp.Usage.InputTokens
			out = resp.Usage.OutputTokens
		}
		r.metrics.RecordLLMRequest(name, model, status, duration.Seconds(), in, out)
	}

	if err != nil {
		return nil, err
	}

	r.logger.Debug("completion finished",
		"provider", name,
		"model", model,
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", duration.Milliseconds())
	return resp, nil
}
