package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Handoff answers with the fixed escalation message. Cart, intent and the
// requires_human flag are left alone.
func Handoff(in *GraphState) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	in.State.History = statex.ReduceHistory(in.State.History,
		[]statex.Message{statex.AssistantMessage(contractx.HandoffReply)},
		in.Limits.HistoryLimit,
	)
	return in, nil
}
