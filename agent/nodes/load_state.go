package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// LoadState loads the thread's checkpoint, or starts a new conversation. A
// checkpoint left in the executing_tools phase has its tool batch folded into
// the cart before the new turn is routed.
func LoadState(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	st, created, err := statex.LoadOrNew(ctx, store, in.Inbound.ThreadID, in.Now)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	in.State = st
	in.Created = created
	if created {
		log.Info().
			Str("thread_id", st.ThreadID).
			Str("platform", in.Inbound.Platform).
			Msg("conversation started")
	}

	if st.LastPhase == statex.PhaseExecutingTools {
		before := len(st.Cart)
		st.Cart = statex.ReduceCartBatch(st.Cart, st.History)
		st.LastPhase = statex.PhaseUpdatingCart
		in.Recovered = true
		log.Warn().
			Str("thread_id", st.ThreadID).
			Int("cart_before", before).
			Int("cart_after", len(st.Cart)).
			Msg("recovered interrupted tool batch")
	}
	return in, nil
}
