package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/panics"
	"github.com/xeipuuv/gojsonschema"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
	metricsx "github.com/tanpawarit/chative-commerce-agent/pkg/metrics"
)

// Handler runs a tool with arguments that already passed schema validation.
// Failures are reported through the returned envelope, not as Go errors.
type Handler func(ctx context.Context, env contractx.ToolEnv, args map[string]any) statex.ToolResult

// Tool is one registry entry. Bound arguments are overwritten from the
// conversation before validation, whatever the model proposed for them.
type Tool struct {
	Name   string
	Desc   string
	Params map[string]*schema.ParameterInfo
	Bound  map[string]func(env contractx.ToolEnv) any
	Run    Handler
}

type registered struct {
	tool   Tool
	info   *schema.ToolInfo
	schema *gojsonschema.Schema
}

type Option func(*Registry)

func WithMetrics(rec *metricsx.Recorder) Option {
	return func(r *Registry) {
		r.metrics = rec
	}
}

// Registry maps tool names to their schema, validation and handler.
type Registry struct {
	tools   map[string]registered
	order   []string
	metrics *metricsx.Recorder
}

var _ contractx.ToolGateway = (*Registry)(nil)

func NewRegistry(tools []Tool, opts ...Option) (*Registry, error) {
	r := &Registry{tools: make(map[string]registered, len(tools))}
	for _, opt := range opts {
		opt(r)
	}

	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" || t.Run == nil {
			return nil, fmt.Errorf("%w: tool needs a name and a handler", contractx.ErrValidation)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tool %q", contractx.ErrValidation, t.Name)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(jsonSchema(t.Params)))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		r.tools[t.Name] = registered{
			tool: t,
			info: &schema.ToolInfo{
				Name:        t.Name,
				Desc:        t.Desc,
				ParamsOneOf: schema.NewParamsOneOfByParams(t.Params),
			},
			schema: compiled,
		}
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// Infos returns the tool schema bound to the model, in registration order.
func (r *Registry) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].info)
	}
	return out
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Execute runs the calls of one assistant message concurrently and returns
// their tool-result messages in call order.
func (r *Registry) Execute(ctx context.Context, env contractx.ToolEnv, calls []statex.ToolCall) []statex.Message {
	return iter.Map(calls, func(call *statex.ToolCall) statex.Message {
		args, err := parseArguments(call.Arguments)
		if err != nil {
			log.Warn().
				Err(err).
				Str("thread_id", env.ThreadID).
				Str("tool", call.Name).
				Msg("tool arguments are not a json object")
			return statex.ToolMessage(call.ID, call.Name, statex.Failure(fmt.Sprintf("Invalid arguments for %s: expected a JSON object.", call.Name)))
		}
		res := r.Run(ctx, env, contractx.ToolRequest{CallID: call.ID, Tool: call.Name, Args: args})
		return statex.ToolMessage(call.ID, call.Name, res)
	})
}

// Run looks up, validates and invokes one request.
func (r *Registry) Run(ctx context.Context, env contractx.ToolEnv, req contractx.ToolRequest) statex.ToolResult {
	started := time.Now()
	res := r.run(ctx, env, req)
	r.metrics.ObserveTool(req.Tool, string(res.Status), time.Since(started))

	if !res.OK() {
		log.Info().
			Str("thread_id", env.ThreadID).
			Str("tool", req.Tool).
			Str("message", res.Message).
			Msg("tool returned an error result")
	}
	return res
}

func (r *Registry) run(ctx context.Context, env contractx.ToolEnv, req contractx.ToolRequest) statex.ToolResult {
	entry, ok := r.tools[req.Tool]
	if !ok {
		return statex.Failure(fmt.Sprintf("Unknown tool %q. Available tools: %s.", req.Tool, strings.Join(r.order, ", ")))
	}

	args := dropEmpty(req.Args)
	for name, bind := range entry.tool.Bound {
		args[name] = bind(env)
	}

	verdict, err := entry.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return statex.Failure(fmt.Sprintf("Invalid arguments for %s.", req.Tool))
	}
	if !verdict.Valid() {
		problems := make([]string, 0, len(verdict.Errors()))
		for _, e := range verdict.Errors() {
			problems = append(problems, e.String())
		}
		return statex.Failure(fmt.Sprintf("Invalid arguments for %s: %s.", req.Tool, strings.Join(problems, "; ")))
	}

	var res statex.ToolResult
	recovered := panics.Try(func() {
		res = entry.tool.Run(ctx, env, args)
	})
	if recovered != nil {
		log.Error().
			Err(recovered.AsError()).
			Str("thread_id", env.ThreadID).
			Str("tool", req.Tool).
			Msg("tool panicked")
		return statex.Failure(fmt.Sprintf("%s failed unexpectedly. Please try again.", req.Tool))
	}
	if res.Status == "" {
		res.Status = statex.StatusSuccess
	}
	if res.Action == "" {
		res.Action = statex.ActionNone
	}
	return res
}

var errNotObject = errors.New("arguments must be a json object")

func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotObject, err)
	}
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

// dropEmpty treats null and blank string arguments as omitted.
func dropEmpty(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// decodeArgs copies validated arguments into a typed struct using json tags.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}
