package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Decide asks the model for the next assistant message and appends it. A
// failed decision appends the fallback reply instead, so the turn still ends
// with a valid state.
func Decide(ctx context.Context, in *GraphState, decider contractx.Decider) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	cart := make([]int64, len(in.State.Cart))
	copy(cart, in.State.Cart)

	msg, err := decider.Decide(ctx, contractx.DecideRequest{
		ThreadID: in.State.ThreadID,
		History:  in.State.History,
		Cart:     cart,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("thread_id", in.State.ThreadID).
			Int("iteration", in.Iterations).
			Msg("decide failed, replying with fallback")
		msg = statex.AssistantMessage(contractx.FallbackReply)
	}

	in.State.History = statex.ReduceHistory(in.State.History, []statex.Message{msg}, in.Limits.HistoryLimit)
	return in, nil
}

// AfterDecide picks the node following a decision: tools while the iteration
// budget lasts, the exhaustion fallback once it is spent, otherwise the reply.
func AfterDecide(in *GraphState) string {
	if in == nil || in.State == nil {
		return NodeFinalizeReply
	}
	last, ok := in.State.LastAssistantMessage()
	if !ok || !last.HasToolCalls() {
		return NodeFinalizeReply
	}
	if in.Iterations >= in.Limits.MaxIterations {
		return NodeExhausted
	}
	return NodeExecuteTools
}

// Exhausted ends a turn whose tool loop ran out of iterations.
func Exhausted(in *GraphState) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	log.Warn().
		Str("thread_id", in.State.ThreadID).
		Int("iteration", in.Iterations).
		Msg("tool loop exhausted")

	in.State.History = statex.ReduceHistory(in.State.History,
		[]statex.Message{statex.AssistantMessage(contractx.FallbackReply)},
		in.Limits.HistoryLimit,
	)
	return in, nil
}
