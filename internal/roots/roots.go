// Package roots enforces filesystem scoping for tool calls. Each MCP session
// can be confined to a set of workspace roots; any tool argument that names a
// path outside them is denied before the call reaches the server.
package roots

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/mcp"
)

// Root is one declared workspace root.
type Root struct {
	// URI is the file:// form sent over the wire.
	URI string `json:"uri"`

	// Path is the canonical absolute filesystem path.
	Path string `json:"path"`

	Name string `json:"name,omitempty"`

	// Kind is "directory" unless the root names a single file.
	Kind string `json:"kind,omitempty"`
}

// NewRoot builds a root from a raw path, canonicalizing it first.
func NewRoot(path, name string) (Root, error) {
	canon, err := Canonicalize(path)
	if err != nil {
		return Root{}, hosterr.Wrap(hosterr.KindValidation, fmt.Sprintf("root path %q", path), err)
	}
	return Root{
		URI:  (&url.URL{Scheme: "file", Path: canon}).String(),
		Path: canon,
		Name: name,
		Kind: "directory",
	}, nil
}

// ValidationStatus is the outcome of validating one path.
type ValidationStatus string

const (
	// StatusAllowed means the path equals a root or sits under one.
	StatusAllowed ValidationStatus = "allowed"

	// StatusDenied means roots are configured and none covers the path.
	StatusDenied ValidationStatus = "denied"

	// StatusInvalid means the path could not be canonicalized.
	StatusInvalid ValidationStatus = "invalid"

	// StatusNoRoots means nothing is configured and the session is not
	// strict, so the path passes by default.
	StatusNoRoots ValidationStatus = "no_roots"
)

// PathDecision records the verdict for one candidate path.
type PathDecision struct {
	Status      ValidationStatus `json:"status"`
	Path        string           `json:"path"`
	MatchedRoot string           `json:"matched_root,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Allowed reports whether the decision lets the call proceed.
func (d PathDecision) Allowed() bool {
	return d.Status == StatusAllowed || d.Status == StatusNoRoots
}

// ChangeCallback observes root mutations. sessionKey is empty when a global
// mutation affects every session.
type ChangeCallback func(sessionKey string, roots []Root)

// sessionEntry holds the per-session configuration.
type sessionEntry struct {
	roots     []Root
	strict    bool
	hasStrict bool
	updatedAt time.Time
}

// Registry holds global and per-session roots and validates paths against
// them. Sessions are keyed by MCP server key.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*sessionEntry
	global    []Root
	updatedAt time.Time
	callbacks []ChangeCallback

	// strict is the default for sessions without an explicit Configure.
	strict bool

	now func() time.Time
}

// NewRegistry creates a registry. strict sets the default behavior for
// sessions with no roots configured: strict denies, permissive allows.
func NewRegistry(strict bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "roots"),
		sessions: make(map[string]*sessionEntry),
		strict:   strict,
		now:      time.Now,
	}
}

// OnChange registers a callback fired after every mutation. Callbacks run
// asynchronously; a panicking callback is logged and never blocks others.
func (r *Registry) OnChange(cb ChangeCallback) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// Configure replaces the session's root set and strict flag.
func (r *Registry) Configure(sessionKey string, roots []Root, strict bool) {
	r.mu.Lock()
	r.sessions[sessionKey] = &sessionEntry{
		roots:     append([]Root(nil), roots...),
		strict:    strict,
		hasStrict: true,
		updatedAt: r.now(),
	}
	r.mu.Unlock()

	r.notify(sessionKey)
}

// Add appends one root to the session. Adding a path already present is a
// conflict.
func (r *Registry) Add(sessionKey string, root Root) error {
	r.mu.Lock()
	entry, ok := r.sessions[sessionKey]
	if !ok {
		entry = &sessionEntry{}
		r.sessions[sessionKey] = entry
	}
	for _, existing := range entry.roots {
		if existing.Path == root.Path {
			r.mu.Unlock()
			return hosterr.Newf(hosterr.KindConflict, "root %q already configured for %q", root.Path, sessionKey)
		}
	}
	entry.roots = append(entry.roots, root)
	entry.updatedAt = r.now()
	r.mu.Unlock()

	r.notify(sessionKey)
	return nil
}

// Remove deletes the root with the given path from the session.
func (r *Registry) Remove(sessionKey, path string) error {
	canon, err := Canonicalize(path)
	if err != nil {
		canon = path
	}

	r.mu.Lock()
	entry, ok := r.sessions[sessionKey]
	if !ok {
		r.mu.Unlock()
		return hosterr.Newf(hosterr.KindNotFound, "no roots configured for %q", sessionKey)
	}
	idx := -1
	for i, existing := range entry.roots {
		if existing.Path == canon {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return hosterr.Newf(hosterr.KindNotFound, "root %q not configured for %q", path, sessionKey)
	}
	entry.roots = append(entry.roots[:idx], entry.roots[idx+1:]...)
	entry.updatedAt = r.now()
	r.mu.Unlock()

	r.notify(sessionKey)
	return nil
}

// Clear removes every session root. The strict flag survives.
func (r *Registry) Clear(sessionKey string) {
	r.mu.Lock()
	if entry, ok := r.sessions[sessionKey]; ok {
		entry.roots = nil
		entry.updatedAt = r.now()
	}
	r.mu.Unlock()

	r.notify(sessionKey)
}

// List returns the session's own roots, global roots excluded.
func (r *Registry) List(sessionKey string) []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sessionKey]
	if !ok {
		return nil
	}
	return append([]Root(nil), entry.roots...)
}

// SetGlobal replaces the global root set applying to every session.
func (r *Registry) SetGlobal(roots []Root) {
	r.mu.Lock()
	r.global = append([]Root(nil), roots...)
	r.updatedAt = r.now()
	r.mu.Unlock()

	r.notify("")
}

// AddGlobal appends one global root.
func (r *Registry) AddGlobal(root Root) error {
	r.mu.Lock()
	for _, existing := range r.global {
		if existing.Path == root.Path {
			r.mu.Unlock()
			return hosterr.Newf(hosterr.KindConflict, "global root %q already configured", root.Path)
		}
	}
	r.global = append(r.global, root)
	r.updatedAt = r.now()
	r.mu.Unlock()

	r.notify("")
	return nil
}

// RemoveGlobal deletes one global root by path.
func (r *Registry) RemoveGlobal(path string) error {
	canon, err := Canonicalize(path)
	if err != nil {
		canon = path
	}

	r.mu.Lock()
	idx := -1
	for i, existing := range r.global {
		if existing.Path == canon {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return hosterr.Newf(hosterr.KindNotFound, "global root %q not configured", path)
	}
	r.global = append(r.global[:idx], r.global[idx+1:]...)
	r.updatedAt = r.now()
	r.mu.Unlock()

	r.notify("")
	return nil
}

// Global returns the global roots.
func (r *Registry) Global() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Root(nil), r.global...)
}

// Effective returns global plus session roots, globals first.
func (r *Registry) Effective(sessionKey string) []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.effectiveLocked(sessionKey)
}

func (r *Registry) effectiveLocked(sessionKey string) []Root {
	var out []Root
	out = append(out, r.global...)
	if entry, ok := r.sessions[sessionKey]; ok {
		out = append(out, entry.roots...)
	}
	return out
}

// UpdatedAt returns when the session's roots last changed, falling back to
// the global stamp.
func (r *Registry) UpdatedAt(sessionKey string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.sessions[sessionKey]; ok && entry.updatedAt.After(r.updatedAt) {
		return entry.updatedAt
	}
	return r.updatedAt
}

// strictForLocked returns the effective strict flag; callers hold mu.
func (r *Registry) strictForLocked(sessionKey string) bool {
	if entry, ok := r.sessions[sessionKey]; ok && entry.hasStrict {
		return entry.strict
	}
	return r.strict
}

// ValidatePath validates one path against the session's effective roots.
func (r *Registry) ValidatePath(sessionKey, path string) PathDecision {
	canon, err := Canonicalize(path)
	if err != nil {
		return PathDecision{
			Status: StatusInvalid,
			Path:   path,
			Reason: err.Error(),
		}
	}

	r.mu.RLock()
	roots := r.effectiveLocked(sessionKey)
	strict := r.strictForLocked(sessionKey)
	r.mu.RUnlock()

	if len(roots) == 0 {
		if strict {
			return PathDecision{
				Status: StatusDenied,
				Path:   canon,
				Reason: "no roots configured and strict mode denies by default",
			}
		}
		return PathDecision{
			Status: StatusNoRoots,
			Path:   canon,
			Reason: "no roots configured",
		}
	}

	for _, root := range roots {
		if underRoot(canon, root.Path) {
			return PathDecision{
				Status:      StatusAllowed,
				Path:        canon,
				MatchedRoot: root.Path,
			}
		}
	}

	return PathDecision{
		Status: StatusDenied,
		Path:   canon,
		Reason: fmt.Sprintf("outside configured roots %v", rootPaths(roots)),
	}
}

// ValidateToolCall extracts path candidates from the tool arguments and
// validates each. The call may proceed only when every decision allows it.
func (r *Registry) ValidateToolCall(sessionKey, toolName string, args map[string]any) (bool, []PathDecision) {
	candidates := ExtractPaths(args)
	if len(candidates) == 0 {
		return true, nil
	}

	allowed := true
	decisions := make([]PathDecision, 0, len(candidates))
	for _, candidate := range candidates {
		decision := r.ValidatePath(sessionKey, candidate)
		if !decision.Allowed() {
			allowed = false
			r.logger.Warn("path denied for tool call",
				"session", sessionKey,
				"tool", toolName,
				"path", candidate,
				"status", decision.Status)
		}
		decisions = append(decisions, decision)
	}
	return allowed, decisions
}

// Capabilities returns the roots capability fragment declared during
// initialize, or nil when the session has no roots at all.
func (r *Registry) Capabilities(sessionKey string) *mcp.RootsCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.effectiveLocked(sessionKey)) == 0 {
		return nil
	}
	return &mcp.RootsCapability{ListChanged: true}
}

// HandleRootsList answers a server's roots/list request with the session's
// effective roots in wire shape.
func (r *Registry) HandleRootsList(sessionKey string) *mcp.ListRootsResult {
	effective := r.Effective(sessionKey)

	wire := make([]mcp.Root, 0, len(effective))
	for _, root := range effective {
		wire = append(wire, mcp.Root{URI: root.URI, Name: root.Name})
	}
	return &mcp.ListRootsResult{Roots: wire}
}

// notify snapshots the affected roots and fires every callback in its own
// goroutine.
func (r *Registry) notify(sessionKey string) {
	r.mu.RLock()
	callbacks := append([]ChangeCallback(nil), r.callbacks...)
	roots := r.effectiveLocked(sessionKey)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		go func(cb ChangeCallback) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("roots change callback panicked", "panic", rec)
				}
			}()
			cb(sessionKey, roots)
		}(cb)
	}
}

// rootPaths lists the paths for error messages, sorted for stable output.
func rootPaths(roots []Root) []string {
	paths := make([]string, 0, len(roots))
	for _, root := range roots {
		paths = append(paths, root.Path)
	}
	sort.Strings(paths)
	return paths
}

// Canonicalize normalizes a raw path: file:// URIs unwrapped, ~ expanded,
// relative paths made absolute, the result cleaned. Non-file URI schemes
// cannot name local files and fail.
func Canonicalize(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.Contains(p, "://") {
		u, err := url.Parse(p)
		if err != nil {
			return "", fmt.Errorf("parse uri: %w", err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
		}
		if u.Path == "" {
			return "", fmt.Errorf("file uri %q has no path", path)
		}
		p = u.Path
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	} else if strings.HasPrefix(p, "~") {
		// ~user expansion needs passwd lookups; reject rather than guess.
		return "", fmt.Errorf("unsupported home reference %q", path)
	}

	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("make absolute: %w", err)
		}
		p = abs
	}

	return filepath.Clean(p), nil
}

// underRoot reports whether path equals root or sits beneath it. The
// comparison is separator-aware so /tmp/foo never matches root /tmp/fo.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
