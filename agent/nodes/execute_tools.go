package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// ExecuteTools runs the tool calls of the newest assistant message and appends
// one result per call.
func ExecuteTools(ctx context.Context, in *GraphState, tools contractx.ToolGateway) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	last, ok := in.State.LastAssistantMessage()
	if !ok || !last.HasToolCalls() {
		return nil, fmt.Errorf("%w: no tool calls to execute", contractx.ErrValidation)
	}

	calls := last.ToolCalls
	if limit := maxBatchCalls(in.Limits.HistoryLimit); len(calls) > limit {
		log.Warn().
			Str("thread_id", in.State.ThreadID).
			Int("requested", len(calls)).
			Int("executed", limit).
			Msg("tool batch truncated to fit history window")
		calls = calls[:limit]
		in.State.History = truncateLastToolCalls(in.State.History, limit)
	}

	cart := make([]int64, len(in.State.Cart))
	copy(cart, in.State.Cart)

	results := tools.Execute(ctx, contractx.ToolEnv{
		ThreadID: in.State.ThreadID,
		Cart:     cart,
	}, calls)

	in.State.History = statex.ReduceHistory(in.State.History, results, in.Limits.HistoryLimit)
	in.Pending = results
	in.Iterations++
	return in, nil
}

// maxBatchCalls is the largest batch whose results still leave the issuing
// assistant message inside the history window.
func maxBatchCalls(historyLimit int) int {
	if historyLimit <= 0 {
		historyLimit = statex.DefaultHistoryLimit
	}
	return max(historyLimit-1, 1)
}

// truncateLastToolCalls keeps the first n calls of the newest assistant
// message so that history only records calls that were executed.
func truncateLastToolCalls(history []statex.Message, n int) []statex.Message {
	out := make([]statex.Message, len(history))
	copy(out, history)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != statex.RoleAssistant {
			continue
		}
		out[i].ToolCalls = append([]statex.ToolCall(nil), out[i].ToolCalls[:min(n, len(out[i].ToolCalls))]...)
		break
	}
	return out
}

// UpdateCart folds the pending tool batch into the cart, each result once.
func UpdateCart(in *GraphState) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	cart := in.State.Cart
	for _, msg := range in.Pending {
		cart = statex.ReduceCartWithMessage(cart, msg)
	}
	in.State.Cart = cart
	in.Pending = nil
	return in, nil
}
