package contract

import (
	"fmt"
	"strings"

	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Inbound is one normalized chat message.
type Inbound struct {
	Platform string `json:"platform"`
	SenderID string `json:"sender_id"`
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
	UserName string `json:"user_name,omitempty"`
}

func (in Inbound) Validate() error {
	if strings.TrimSpace(in.ThreadID) == "" {
		return fmt.Errorf("%w: thread_id is required", ErrValidation)
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	return nil
}

// Outbound is the reply for one Inbound plus the routing metadata the
// delivery side needs.
type Outbound struct {
	Platform      string        `json:"platform"`
	SenderID      string        `json:"sender_id"`
	ThreadID      string        `json:"thread_id"`
	Text          string        `json:"text"`
	Intent        statex.Intent `json:"intent,omitempty"`
	RequiresHuman bool          `json:"requires_human"`
}

type DecideRequest struct {
	ThreadID string           `json:"thread_id"`
	History  []statex.Message `json:"history"`
	Cart     []int64          `json:"cart"`
}

// ToolEnv is the conversation a tool call runs for. Tools read the cart and
// thread id from here, never from model-proposed arguments.
type ToolEnv struct {
	ThreadID string  `json:"thread_id"`
	Cart     []int64 `json:"cart"`
}

type ToolRequest struct {
	CallID string         `json:"call_id,omitempty"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

const (
	// FallbackReply is sent whenever a turn cannot produce a proper answer.
	FallbackReply = "Sorry, I'm having a little trouble right now. Please try again in a moment, or type 'human' if you need immediate help."

	HandoffReply = "I totally understand, and I want to make sure you get the best help possible.\n\n" +
		"I'm connecting you with a real person from our team right now. Someone will be with you within a few minutes.\n\n" +
		"In the meantime, feel free to describe your issue and they'll have full context."
)
