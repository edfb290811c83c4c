package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
)

// FinalizeReply returns the newest assistant text, or the fallback reply when
// there is none.
func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil || in.State == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	reply := ""
	if last, ok := in.State.LastAssistantMessage(); ok {
		reply = strings.TrimSpace(last.Content)
	}
	if reply == "" {
		reply = contractx.FallbackReply
	}

	return GraphOutput{
		Reply:         reply,
		Intent:        in.State.CurrentIntent,
		RequiresHuman: in.State.RequiresHuman,
	}, nil
}
