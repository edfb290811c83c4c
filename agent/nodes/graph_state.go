package orchestratornode

import (
	"time"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	"github.com/tanpawarit/chative-commerce-agent/agent/router"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Node names used in the compiled orchestration graph.
const (
	NodeValidateRequest = "validate_request"
	NodeLoadState       = "load_state"
	NodeRoute           = "route"
	NodeHandoff         = "handoff"
	NodeDecide          = "decide"
	NodeExecuteTools    = "execute_tools"
	NodeUpdateCart      = "update_cart"
	NodeExhausted       = "exhausted"
	NodeFinalizeReply   = "finalize_reply"
)

const DefaultMaxIterations = 5

type GraphInput struct {
	Inbound contractx.Inbound
}

type GraphOutput struct {
	Reply         string
	Intent        statex.Intent
	RequiresHuman bool
}

// Limits bounds one turn.
type Limits struct {
	HistoryLimit  int
	MaxIterations int
}

func (l Limits) WithDefaults() Limits {
	if l.HistoryLimit <= 0 {
		l.HistoryLimit = statex.DefaultHistoryLimit
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	return l
}

// GraphState is the per-turn working set threaded through every node.
type GraphState struct {
	Inbound contractx.Inbound
	Now     time.Time
	Limits  Limits

	State     *statex.ConversationState
	Created   bool
	Recovered bool
	Route     router.Result

	// Iterations counts tool batches executed this turn.
	Iterations int
	// Pending holds the results of the batch awaiting UpdateCart.
	Pending []statex.Message
}
