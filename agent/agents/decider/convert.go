package decider

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// promptMessages converts history for the model. Trimming can separate a tool
// call from its result, and providers reject either half on its own, so
// unmatched calls and results are left out of the prompt.
func promptMessages(history []statex.Message) []*schema.Message {
	issued := make(map[string]struct{})
	answered := make(map[string]struct{})
	for _, m := range history {
		switch m.Role {
		case statex.RoleAssistant:
			for _, c := range m.ToolCalls {
				issued[c.ID] = struct{}{}
			}
		case statex.RoleTool:
			answered[m.ToolCallID] = struct{}{}
		}
	}

	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case statex.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case statex.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case statex.RoleAssistant:
			calls := make([]schema.ToolCall, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				if _, ok := answered[c.ID]; !ok {
					continue
				}
				calls = append(calls, schema.ToolCall{
					ID:   c.ID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      c.Name,
						Arguments: c.Arguments,
					},
				})
			}
			if len(calls) == 0 && strings.TrimSpace(m.Content) == "" {
				continue
			}
			if len(calls) == 0 {
				calls = nil
			}
			out = append(out, schema.AssistantMessage(m.Content, calls))
		case statex.RoleTool:
			if _, ok := issued[m.ToolCallID]; !ok {
				continue
			}
			out = append(out, schema.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

// fromModel validates the model output and converts it to a history entry.
func fromModel(msg *schema.Message) (statex.Message, error) {
	if msg == nil {
		return statex.Message{}, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
	}

	calls := make([]statex.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			return statex.Message{}, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		calls = append(calls, statex.ToolCall{
			ID:        id,
			Name:      name,
			Arguments: tc.Function.Arguments,
		})
	}

	content := strings.TrimSpace(msg.Content)
	if len(calls) == 0 {
		if content == "" {
			return statex.Message{}, fmt.Errorf("%w: response has neither text nor tool calls", contractx.ErrSchemaViolation)
		}
		return statex.AssistantMessage(content), nil
	}
	return statex.AssistantMessage(content, calls...), nil
}

func cartContext(cart []int64) string {
	if len(cart) == 0 {
		return "The customer's cart is currently empty."
	}
	ids := make([]string, 0, len(cart))
	for _, id := range cart {
		ids = append(ids, fmt.Sprint(id))
	}
	return "Current cart product IDs: [" + strings.Join(ids, ", ") + "]"
}
