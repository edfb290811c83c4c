package contract

import (
	"context"

	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Decider produces the next assistant message for a conversation. The cart is
// passed fresh on every call.
type Decider interface {
	Decide(ctx context.Context, req DecideRequest) (statex.Message, error)
}

// ToolGateway runs the tool calls carried by one assistant message and
// returns one tool-result message per call, in call order.
type ToolGateway interface {
	Execute(ctx context.Context, env ToolEnv, calls []statex.ToolCall) []statex.Message
}

type ThreadRegistry interface {
	TouchThread(ctx context.Context, threadID, platform, userName string) error
}

// Publisher hands a finished reply to the delivery side.
type Publisher interface {
	Publish(ctx context.Context, out Outbound) error
}
