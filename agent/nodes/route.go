package orchestratornode

import (
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	"github.com/tanpawarit/chative-commerce-agent/agent/router"
)

// Route appends the user message and classifies it.
func Route(in *GraphState) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	in.Route = router.Apply(in.State, in.Inbound.Text, in.Limits.HistoryLimit)

	log.Info().
		Str("thread_id", in.State.ThreadID).
		Str("intent", string(in.Route.Intent)).
		Str("trigger", string(in.Route.Trigger)).
		Str("keyword", in.Route.Keyword).
		Bool("requires_human", in.State.RequiresHuman).
		Msg("message routed")
	return in, nil
}

// AfterRoute picks the node following routing.
func AfterRoute(in *GraphState) string {
	if in != nil && in.State != nil && in.State.RequiresHuman {
		return NodeHandoff
	}
	return NodeDecide
}
