package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ch1109/maestro/internal/hosterr"
)

// PublicNameSeparator joins a server key and a local tool name into the
// public name LLMs see. Server keys must not contain it.
const PublicNameSeparator = "__"

// emptyObjectSchema stands in for tools that declare no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// AggregatedTool is one entry of the fused catalogue: a tool somewhere in the
// fleet, renamed so its origin is unambiguous.
type AggregatedTool struct {
	// PublicName is "<server_key>__<local_name>".
	PublicName string `json:"name"`

	// Description is the tool description prefixed with its origin, e.g.
	// "[stdio:fs] Read a file from disk".
	Description string `json:"description"`

	// Parameters is the tool input schema, or an empty object schema.
	Parameters json.RawMessage `json:"parameters"`

	// Metadata preserves the origin for callers that need it.
	Metadata ToolMetadata `json:"_metadata"`
}

// ToolMetadata identifies where an aggregated tool came from.
type ToolMetadata struct {
	ServerKey string `json:"server"`
	Transport string `json:"transport"`
	LocalName string `json:"original_name"`
}

// PublicName fuses a server key and local tool name.
func PublicName(serverKey, localName string) string {
	return serverKey + PublicNameSeparator + localName
}

// ParsePublicName splits a public tool name on the first separator. The
// local name may itself contain the separator; only the first one counts.
func ParsePublicName(name string) (serverKey, localName string, err error) {
	serverKey, localName, found := strings.Cut(name, PublicNameSeparator)
	if !found || serverKey == "" || localName == "" {
		return "", "", hosterr.Newf(hosterr.KindNotFound,
			"tool name %q is not of the form <server>%s<tool>", name, PublicNameSeparator)
	}
	return serverKey, localName, nil
}

// Aggregate fuses the tool lists of every live session into one catalogue,
// sorted by server key then local name so output is stable across calls.
func Aggregate(m *Manager) []AggregatedTool {
	byServer := m.AllTools()

	keys := make([]string, 0, len(byServer))
	for key := range byServer {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []AggregatedTool
	for _, key := range keys {
		client, ok := m.Client(key)
		if !ok {
			continue
		}
		transport := string(client.Config().Transport)

		tools := byServer[key]
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

		for _, tool := range tools {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = emptyObjectSchema
			}

			desc := strings.TrimSpace(tool.Description)
			if desc == "" {
				desc = tool.Name
			}

			out = append(out, AggregatedTool{
				PublicName:  PublicName(key, tool.Name),
				Description: fmt.Sprintf("[%s:%s] %s", transport, key, desc),
				Parameters:  schema,
				Metadata: ToolMetadata{
					ServerKey: key,
					Transport: transport,
					LocalName: tool.Name,
				},
			})
		}
	}
	return out
}

// RenderCatalogue renders the aggregated tools as the text block embedded in
// the agent system prompt: one entry per tool with its compacted schema.
func RenderCatalogue(tools []AggregatedTool) string {
	if len(tools) == 0 {
		return "No tools are currently available."
	}

	var b strings.Builder
	for i, tool := range tools {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s\n", tool.PublicName, tool.Description)

		var compact bytes.Buffer
		if err := json.Compact(&compact, tool.Parameters); err == nil && compact.Len() > 2 {
			fmt.Fprintf(&b, "  parameters: %s\n", compact.String())
		}
	}
	return b.String()
}
