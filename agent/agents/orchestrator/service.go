package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	nodex "github.com/tanpawarit/chative-commerce-agent/agent/nodes"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
	metricsx "github.com/tanpawarit/chative-commerce-agent/pkg/metrics"
)

// Turn outcomes reported to metrics.
const (
	OutcomeReplied  = "replied"
	OutcomeHandoff  = "handoff"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

type Config struct {
	HistoryLimit  int
	MaxIterations int
}

type Option func(*Orchestrator)

// WithLocker replaces the in-process per-thread lock, e.g. with a Redis lock
// when several processes share one store.
func WithLocker(l statex.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

func WithThreadRegistry(r contractx.ThreadRegistry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.threads = r
		}
	}
}

func WithPublisher(p contractx.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithMetrics(rec *metricsx.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = rec }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs one conversation turn at a time per thread. It holds no
// per-conversation data; everything a turn needs is loaded from the store.
type Orchestrator struct {
	store   statex.Store
	decider contractx.Decider
	tools   contractx.ToolGateway

	threads   contractx.ThreadRegistry
	publisher contractx.Publisher
	locker    statex.Locker
	metrics   *metricsx.Recorder

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	limits nodex.Limits
	now    func() time.Time
}

func New(
	store statex.Store,
	decider contractx.Decider,
	tools contractx.ToolGateway,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if decider == nil {
		return nil, errors.New("decider is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}

	o := &Orchestrator{
		store:     store,
		decider:   decider,
		tools:     tools,
		threads:   noopThreadRegistry{},
		publisher: noopPublisher{},
		locker:    statex.NewKeyedMutex(),
		limits: nodex.Limits{
			HistoryLimit:  cfg.HistoryLimit,
			MaxIterations: cfg.MaxIterations,
		}.WithDefaults(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleMessage runs one turn and returns the reply. Only invalid input is
// returned as an error; any other failure is logged and answered with
// contract.FallbackReply.
func (o *Orchestrator) HandleMessage(ctx context.Context, in contractx.Inbound) (contractx.Outbound, error) {
	in.ThreadID = strings.TrimSpace(in.ThreadID)
	in.Text = strings.TrimSpace(in.Text)
	if err := in.Validate(); err != nil {
		return contractx.Outbound{}, err
	}

	start := time.Now()
	reply := contractx.Outbound{
		Platform: in.Platform,
		SenderID: in.SenderID,
		ThreadID: in.ThreadID,
	}

	out, err := o.runTurn(ctx, in)
	outcome := OutcomeReplied
	switch {
	case err != nil:
		log.Error().
			Err(err).
			Str("thread_id", in.ThreadID).
			Str("platform", in.Platform).
			Msg("turn failed, replying with fallback")
		reply.Text = contractx.FallbackReply
		outcome = OutcomeFailed
	default:
		reply.Text = out.Reply
		reply.Intent = out.Intent
		reply.RequiresHuman = out.RequiresHuman
		switch {
		case out.RequiresHuman:
			outcome = OutcomeHandoff
		case out.Reply == contractx.FallbackReply:
			outcome = OutcomeFallback
		}
	}
	o.metrics.ObserveTurn(outcome, time.Since(start))

	if err := o.publisher.Publish(ctx, reply); err != nil {
		log.Error().
			Err(err).
			Str("thread_id", in.ThreadID).
			Msg("publish reply failed")
	}
	return reply, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, in contractx.Inbound) (nodex.GraphOutput, error) {
	unlock, err := o.locker.Lock(ctx, in.ThreadID)
	if err != nil {
		return nodex.GraphOutput{}, err
	}
	defer unlock()

	if err := o.threads.TouchThread(ctx, in.ThreadID, in.Platform, in.UserName); err != nil {
		log.Warn().
			Err(err).
			Str("thread_id", in.ThreadID).
			Msg("thread registry update failed")
	}

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{Inbound: in})
	if err != nil {
		return nodex.GraphOutput{}, errors.Join(contractx.ErrTurnFailed, err)
	}
	return out, nil
}

type noopThreadRegistry struct{}

func (noopThreadRegistry) TouchThread(context.Context, string, string, string) error {
	return nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, contractx.Outbound) error {
	return nil
}
