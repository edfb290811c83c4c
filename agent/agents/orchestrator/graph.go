package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"
	nodex "github.com/tanpawarit/chative-commerce-agent/agent/nodes"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

type stepFunc func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error)

// step wraps a node so that a completed transition is checkpointed before the
// graph moves on. An empty phase skips the checkpoint.
func (o *Orchestrator) step(name string, phase statex.Phase, fn stepFunc) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
		start := time.Now()
		out, err := fn(ctx, in)
		if err == nil && phase != "" {
			out, err = nodex.Checkpoint(ctx, out, o.store, phase)
		}
		o.metrics.ObserveTransition(name, time.Since(start), err)

		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		log.Debug().
			Str("thread_id", out.State.ThreadID).
			Str("node", name).
			Int("iteration", out.Iterations).
			Dur("duration", time.Since(start)).
			Msg("transition completed")
		return out, nil
	})
}

func (o *Orchestrator) compileHandleMessageGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.GraphOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.GraphOutput]()

	if err := graph.AddLambdaNode(nodex.NodeValidateRequest,
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateRequest(in, o.limits, o.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodex.NodeValidateRequest, err)
	}

	if err := graph.AddLambdaNode(nodex.NodeLoadState,
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			out, err := nodex.LoadState(ctx, in, o.store)
			if err != nil {
				return nil, err
			}
			if out.Recovered {
				return nodex.Checkpoint(ctx, out, o.store, statex.PhaseUpdatingCart)
			}
			return out, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodex.NodeLoadState, err)
	}

	steps := []struct {
		name  string
		phase statex.Phase
		fn    stepFunc
	}{
		{nodex.NodeRoute, statex.PhaseRoutingDone, func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Route(in)
		}},
		{nodex.NodeHandoff, statex.PhaseHandingOff, func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Handoff(in)
		}},
		{nodex.NodeDecide, statex.PhaseDeciding, func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Decide(ctx, in, o.decider)
		}},
		{nodex.NodeExecuteTools, statex.PhaseExecutingTools, func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ExecuteTools(ctx, in, o.tools)
		}},
		{nodex.NodeUpdateCart, statex.PhaseUpdatingCart, func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.UpdateCart(in)
		}},
		{nodex.NodeExhausted, statex.PhaseTerminal, func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Exhausted(in)
		}},
	}
	for _, s := range steps {
		if err := graph.AddLambdaNode(s.name, o.step(s.name, s.phase, s.fn)); err != nil {
			return nil, fmt.Errorf("add node %s: %w", s.name, err)
		}
	}

	if err := graph.AddLambdaNode(nodex.NodeFinalizeReply,
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.GraphOutput, error) {
			out, err := nodex.Checkpoint(ctx, in, o.store, statex.PhaseTerminal)
			if err != nil {
				return nodex.GraphOutput{}, fmt.Errorf("%s: %w", nodex.NodeFinalizeReply, err)
			}
			return nodex.FinalizeReply(out)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodex.NodeFinalizeReply, err)
	}

	routeBranch := compose.NewGraphBranch(
		func(ctx context.Context, in *nodex.GraphState) (string, error) {
			return nodex.AfterRoute(in), nil
		},
		map[string]bool{
			nodex.NodeHandoff: true,
			nodex.NodeDecide:  true,
		},
	)
	if err := graph.AddBranch(nodex.NodeRoute, routeBranch); err != nil {
		return nil, fmt.Errorf("add branch after %s: %w", nodex.NodeRoute, err)
	}

	decideBranch := compose.NewGraphBranch(
		func(ctx context.Context, in *nodex.GraphState) (string, error) {
			return nodex.AfterDecide(in), nil
		},
		map[string]bool{
			nodex.NodeExecuteTools:  true,
			nodex.NodeExhausted:     true,
			nodex.NodeFinalizeReply: true,
		},
	)
	if err := graph.AddBranch(nodex.NodeDecide, decideBranch); err != nil {
		return nil, fmt.Errorf("add branch after %s: %w", nodex.NodeDecide, err)
	}

	edges := [][2]string{
		{compose.START, nodex.NodeValidateRequest},
		{nodex.NodeValidateRequest, nodex.NodeLoadState},
		{nodex.NodeLoadState, nodex.NodeRoute},
		{nodex.NodeExecuteTools, nodex.NodeUpdateCart},
		{nodex.NodeUpdateCart, nodex.NodeDecide},
		{nodex.NodeHandoff, nodex.NodeFinalizeReply},
		{nodex.NodeExhausted, nodex.NodeFinalizeReply},
		{nodex.NodeFinalizeReply, compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx,
		compose.WithGraphName("orchestrator.handle_message"),
		compose.WithNodeTriggerMode(compose.AnyPredecessor),
		compose.WithMaxRunSteps(o.limits.MaxIterations*3+10),
	)
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
