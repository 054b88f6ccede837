package react

import "github.com/ch1109/maestro/internal/llm"

// repairTranscript drops tool results that answer no outstanding assistant
// call and backfills missing call ids. A run abandoned between an assistant
// turn and its observations leaves history that strict providers reject;
// repairing at load time keeps old sessions usable.
func repairTranscript(history []llm.Message) []llm.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	var order []string
	repaired := make([]llm.Message, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case llm.RoleAssistant:
			pending = make(map[string]struct{})
			order = order[:0]
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				pending[call.ID] = struct{}{}
				order = append(order, call.ID)
			}
			repaired = append(repaired, msg)

		case llm.RoleTool:
			kept := make([]llm.ToolResult, 0, len(msg.ToolResults))
			for _, res := range msg.ToolResults {
				if res.ToolCallID == "" && len(order) > 0 {
					res.ToolCallID = order[0]
				}
				if _, ok := pending[res.ToolCallID]; !ok {
					continue
				}
				delete(pending, res.ToolCallID)
				order = dropID(order, res.ToolCallID)
				kept = append(kept, res)
			}
			if len(kept) == 0 {
				continue
			}
			msg.ToolResults = kept
			repaired = append(repaired, msg)

		default:
			repaired = append(repaired, msg)
		}
	}
	return repaired
}

func dropID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
