package react

import (
	"fmt"
	"strings"

	"github.com/ch1109/maestro/internal/llm"
	"github.com/ch1109/maestro/internal/mcp"
)

const defaultPersona = "You are a helpful assistant with access to tools provided by connected MCP servers."

const toolInstructions = `## Tool use

Call tools by their full name (server__tool). Make one call per distinct
action and wait for its observation before deciding the next step. Calls the
host considers risky are held for human confirmation; if a call is rejected,
say what you could not do and work around it.`

// systemPrompt synthesizes the run's system prompt: persona, date, tool
// catalogue, usage instructions, then any caller-supplied text. It is built
// fresh per run so the catalogue reflects the servers connected right now.
func (e *Engine) systemPrompt(catalogue []mcp.AggregatedTool, extra string) string {
	var b strings.Builder
	b.WriteString(e.cfg.Persona)
	fmt.Fprintf(&b, "\n\nToday's date is %s.\n\n", e.now().Format("2006-01-02"))
	b.WriteString("## Available tools\n\n")
	b.WriteString(mcp.RenderCatalogue(catalogue))
	b.WriteString("\n\n")
	b.WriteString(toolInstructions)
	if s := strings.TrimSpace(extra); s != "" {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	return b.String()
}

func toolSpecs(catalogue []mcp.AggregatedTool) []llm.ToolSpec {
	if len(catalogue) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(catalogue))
	for _, t := range catalogue {
		specs = append(specs, llm.ToolSpec{
			Name:        t.PublicName,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}
