package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Checkpoint records phase on the conversation and persists it.
func Checkpoint(
	ctx context.Context,
	in *GraphState,
	store statex.Store,
	phase statex.Phase,
) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	in.State.LastPhase = phase
	in.State.Touch(in.Now)
	if err := in.State.Validate(); err != nil {
		return nil, fmt.Errorf("state validation failed: %w", err)
	}
	if err := store.Save(ctx, in.State); err != nil {
		return nil, fmt.Errorf("save checkpoint %s: %w", phase, err)
	}
	return in, nil
}
