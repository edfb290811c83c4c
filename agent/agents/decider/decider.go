package decider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	llmx "github.com/tanpawarit/chative-commerce-agent/agent/llm"
	promptx "github.com/tanpawarit/chative-commerce-agent/agent/prompt"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
	metricsx "github.com/tanpawarit/chative-commerce-agent/pkg/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	defaultBackoff = 500 * time.Millisecond
)

type Option func(*Decider)

func WithTimeout(d time.Duration) Option {
	return func(dec *Decider) {
		if d > 0 {
			dec.timeout = d
		}
	}
}

func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(dec *Decider) {
		if maxRetries >= 0 {
			dec.maxRetries = maxRetries
		}
		if backoff > 0 {
			dec.backoff = backoff
		}
	}
}

func WithMetrics(rec *metricsx.Recorder) Option {
	return func(dec *Decider) {
		dec.metrics = rec
	}
}

// Decider asks the tool-bound model for the next assistant message.
type Decider struct {
	runner     compose.Runnable[map[string]any, *schema.Message]
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	metrics    *metricsx.Recorder
}

var _ contractx.Decider = (*Decider)(nil)

func New(
	ctx context.Context,
	chatModel einomodel.ToolCallingChatModel,
	tools []*schema.ToolInfo,
	systemPrompt string,
	opts ...Option,
) (*Decider, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, contractx.ErrPromptMissing
	}
	toolModel, err := chatModel.WithTools(tools)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}
	runner, err := compileDecideGraph(ctx, toolModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	d := &Decider{
		runner:     runner,
		timeout:    defaultTimeout,
		maxRetries: 2,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewFromConfig builds the OpenRouter model from cfg and binds tools to it.
func NewFromConfig(ctx context.Context, cfg llmx.Config, tools []*schema.ToolInfo, opts ...Option) (*Decider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modelCfg := cfg.OpenRouter()
	chatModel, err := modelCfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create model: %v", contractx.ErrModelInvoke, err)
	}
	base := []Option{WithTimeout(cfg.Timeout), WithRetry(cfg.MaxRetries, cfg.RetryBackoff)}
	return New(ctx, chatModel, tools, promptx.System(), append(base, opts...)...)
}

// Decide invokes the model with a bounded number of attempts, each under its
// own timeout. The returned message is a valid assistant entry or an error.
func (d *Decider) Decide(ctx context.Context, req contractx.DecideRequest) (statex.Message, error) {
	input := map[string]any{
		keyCartContext: cartContext(req.Cart),
		keyHistory:     promptMessages(req.History),
	}

	var out statex.Message
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(d.maxRetries), retry.NewConstant(d.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		msg, err := d.attempt(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Warn().
				Err(err).
				Str("thread_id", req.ThreadID).
				Int("attempt", attempt).
				Msg("decide attempt failed")
			return retry.RetryableError(err)
		}
		out = msg
		return nil
	})
	if err != nil {
		return statex.Message{}, err
	}
	return out, nil
}

func (d *Decider) attempt(ctx context.Context, input map[string]any) (statex.Message, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := d.runner.Invoke(attemptCtx, input)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			d.metrics.ObserveDecide("timeout")
			return statex.Message{}, fmt.Errorf("%w after %s", contractx.ErrModelTimeout, d.timeout)
		}
		d.metrics.ObserveDecide("error")
		return statex.Message{}, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	msg, err := fromModel(raw)
	if err != nil {
		d.metrics.ObserveDecide("invalid")
		return statex.Message{}, err
	}
	d.metrics.ObserveDecide("ok")
	return msg, nil
}
