package react

import (
	"reflect"
	"testing"

	"github.com/ch1109/maestro/internal/llm"
)

func TestRepairTranscript(t *testing.T) {
	assistantWith := func(ids ...string) llm.Message {
		msg := llm.Message{Role: llm.RoleAssistant}
		for _, id := range ids {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: id, Name: "demo__echo"})
		}
		return msg
	}
	toolWith := func(results ...llm.ToolResult) llm.Message {
		return llm.Message{Role: llm.RoleTool, ToolResults: results}
	}

	tests := []struct {
		name    string
		history []llm.Message
		want    []llm.Message
	}{
		{
			name: "clean history passes through",
			history: []llm.Message{
				{Role: llm.RoleUser, Content: "hi"},
				assistantWith("a"),
				toolWith(llm.ToolResult{ToolCallID: "a", Content: "ok"}),
				{Role: llm.RoleAssistant, Content: "done"},
			},
			want: []llm.Message{
				{Role: llm.RoleUser, Content: "hi"},
				assistantWith("a"),
				toolWith(llm.ToolResult{ToolCallID: "a", Content: "ok"}),
				{Role: llm.RoleAssistant, Content: "done"},
			},
		},
		{
			name: "orphan tool message dropped",
			history: []llm.Message{
				{Role: llm.RoleUser, Content: "hi"},
				toolWith(llm.ToolResult{ToolCallID: "ghost", Content: "stale"}),
			},
			want: []llm.Message{
				{Role: llm.RoleUser, Content: "hi"},
			},
		},
		{
			name: "missing call ids backfilled in call order",
			history: []llm.Message{
				assistantWith("a", "b"),
				toolWith(
					llm.ToolResult{Content: "first"},
					llm.ToolResult{Content: "second"},
				),
			},
			want: []llm.Message{
				assistantWith("a", "b"),
				toolWith(
					llm.ToolResult{ToolCallID: "a", Content: "first"},
					llm.ToolResult{ToolCallID: "b", Content: "second"},
				),
			},
		},
		{
			name: "duplicate result for one call dropped",
			history: []llm.Message{
				assistantWith("a"),
				toolWith(
					llm.ToolResult{ToolCallID: "a", Content: "kept"},
					llm.ToolResult{ToolCallID: "a", Content: "duplicate"},
				),
			},
			want: []llm.Message{
				assistantWith("a"),
				toolWith(llm.ToolResult{ToolCallID: "a", Content: "kept"}),
			},
		},
		{
			name: "results do not survive a newer assistant turn",
			history: []llm.Message{
				assistantWith("a"),
				{Role: llm.RoleAssistant, Content: "changed my mind"},
				toolWith(llm.ToolResult{ToolCallID: "a", Content: "stale"}),
			},
			want: []llm.Message{
				assistantWith("a"),
				{Role: llm.RoleAssistant, Content: "changed my mind"},
			},
		},
		{
			name: "partial observations keep what answered",
			history: []llm.Message{
				assistantWith("a", "b"),
				toolWith(llm.ToolResult{ToolCallID: "b", Content: "only b"}),
			},
			want: []llm.Message{
				assistantWith("a", "b"),
				toolWith(llm.ToolResult{ToolCallID: "b", Content: "only b"}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := repairTranscript(tt.history)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("repaired = %+v\nwant       %+v", got, tt.want)
			}
		})
	}
}
