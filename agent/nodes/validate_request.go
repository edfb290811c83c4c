package orchestratornode

import (
	"strings"
	"time"
)

func ValidateRequest(in GraphInput, limits Limits, nowFn func() time.Time) (*GraphState, error) {
	inbound := in.Inbound
	inbound.ThreadID = strings.TrimSpace(inbound.ThreadID)
	inbound.Text = strings.TrimSpace(inbound.Text)
	if err := inbound.Validate(); err != nil {
		return nil, err
	}

	return &GraphState{
		Inbound: inbound,
		Now:     nowFn().UTC(),
		Limits:  limits.WithDefaults(),
	}, nil
}
