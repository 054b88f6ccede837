// Package risk classifies tool calls by the damage they could do and decides
// which ones need a human in the loop before execution.
package risk

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ch1109/maestro/internal/roots"
)

// Level grades the potential impact of a tool call.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Rank orders levels so they can be compared.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// keywordTiers maps risk levels to the tool-name keywords that signal them,
// highest first so the scan stops at the strongest match.
var keywordTiers = []struct {
	level    Level
	keywords []string
}{
	{LevelCritical, []string{
		"delete", "remove", "drop", "truncate", "destroy",
		"execute", "exec", "run", "eval", "shell", "command",
		"transfer", "payment", "transaction", "send_money",
	}},
	{LevelHigh, []string{
		"write", "update", "modify", "create", "insert", "edit",
		"patch", "put", "post", "upload", "install", "uninstall", "deploy",
	}},
	{LevelMedium, []string{
		"list", "search", "query", "fetch", "download",
		"export", "generate", "convert",
	}},
}

// Assessment is the outcome of classifying one tool call.
type Assessment struct {
	Level                Level                `json:"level"`
	Reason               string               `json:"reason"`
	MatchedKeyword       string               `json:"matched_keyword,omitempty"`
	PathDecisions        []roots.PathDecision `json:"path_decisions,omitempty"`
	RequiresConfirmation bool                 `json:"requires_confirmation"`
}

// DeniedPath returns the first path decision that blocks the call, if any.
func (a *Assessment) DeniedPath() *roots.PathDecision {
	for i := range a.PathDecisions {
		if !a.PathDecisions[i].Allowed() {
			return &a.PathDecisions[i]
		}
	}
	return nil
}

// Classify grades a tool call by its local name and the path decisions made
// for its arguments. Any blocked path promotes the level to critical.
func Classify(toolName string, decisions []roots.PathDecision) Assessment {
	level, keyword := classifyName(toolName)

	a := Assessment{
		Level:          level,
		MatchedKeyword: keyword,
		PathDecisions:  decisions,
	}
	if keyword != "" {
		a.Reason = fmt.Sprintf("tool name matches %q", keyword)
	} else {
		a.Reason = "no risk keywords matched"
	}

	if denied := a.DeniedPath(); denied != nil {
		a.Level = LevelCritical
		a.Reason = fmt.Sprintf("path %q blocked (%s); promoted to critical", denied.Path, denied.Status)
	}

	return a
}

// classifyName matches the tool name against the keyword tiers: exact word
// match first, substring as fallback, highest tier wins.
func classifyName(name string) (Level, string) {
	words := splitWords(name)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	for _, tier := range keywordTiers {
		for _, kw := range tier.keywords {
			if wordSet[kw] {
				return tier.level, kw
			}
		}
	}

	lower := strings.ToLower(name)
	for _, tier := range keywordTiers {
		for _, kw := range tier.keywords {
			if strings.Contains(lower, kw) {
				return tier.level, kw
			}
		}
	}

	return LevelLow, ""
}

// splitWords lowercases and splits a tool name on underscores, dashes, and
// camel-case boundaries.
func splitWords(name string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	var prev rune
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r) && prev != 0 && !unicode.IsUpper(prev):
			flush()
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
		prev = r
	}
	flush()
	return words
}

// Policy decides which assessments require human confirmation.
type Policy struct {
	// ConfirmLevels are the levels gated behind confirmation.
	ConfirmLevels []Level

	// AllowTools never require confirmation by level alone. A blocked path
	// still forces confirmation for an allowed tool.
	AllowTools []string

	// DenyTools always require confirmation, whatever their level.
	DenyTools []string
}

// DefaultPolicy gates high and critical calls.
func DefaultPolicy() Policy {
	return Policy{ConfirmLevels: []Level{LevelHigh, LevelCritical}}
}

// Requires is the single deciding function: given an assessment and the
// public tool name, should a human confirm this call first?
func (p Policy) Requires(a Assessment, publicName string) bool {
	if matchTool(p.DenyTools, publicName) {
		return true
	}
	if a.DeniedPath() != nil {
		return true
	}
	if matchTool(p.AllowTools, publicName) {
		return false
	}
	for _, level := range p.ConfirmLevels {
		if a.Level == level {
			return true
		}
	}
	return false
}

// matchTool matches a configured tool entry against the public name, its
// local part, or a trailing-* prefix pattern.
func matchTool(entries []string, publicName string) bool {
	local := publicName
	if _, l, ok := strings.Cut(publicName, "__"); ok {
		local = l
	}

	for _, entry := range entries {
		if entry == publicName || entry == local {
			return true
		}
		if prefix, found := strings.CutSuffix(entry, "*"); found && strings.HasPrefix(publicName, prefix) {
			return true
		}
	}
	return false
}
