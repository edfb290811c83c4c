package state

import (
	"errors"
	"fmt"
	"time"
)

const (
	// CheckpointVersion is the layout version written with every saved state.
	CheckpointVersion = 1

	// DefaultHistoryLimit is the number of history entries kept after trimming.
	DefaultHistoryLimit = 10
)

// Intent is the routing label assigned by the router to the newest user message.
type Intent string

const (
	IntentBrowsing Intent = "browsing"
	IntentCheckout Intent = "checkout"
	IntentSupport  Intent = "support"
	IntentGreeting Intent = "greeting"
)

func (i Intent) Valid() bool {
	switch i {
	case "", IntentBrowsing, IntentCheckout, IntentSupport, IntentGreeting:
		return true
	default:
		return false
	}
}

// Phase is the orchestration state a checkpoint was written in.
type Phase string

const (
	PhaseRoutingDone    Phase = "routing_done"
	PhaseDeciding       Phase = "deciding"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseUpdatingCart   Phase = "updating_cart"
	PhaseHandingOff     Phase = "handing_off"
	PhaseTerminal       Phase = "terminal"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool request carried by an assistant message.
// Arguments is the raw JSON object proposed by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Message is one role-tagged history entry.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolMessage builds the tool-result entry answering callID. Content is the
// JSON envelope so the model reads status and action along with the text.
func ToolMessage(callID, toolName string, res ToolResult) Message {
	r := res
	return Message{
		Role:       RoleTool,
		Content:    r.Encode(),
		ToolCallID: callID,
		Name:       toolName,
		Result:     &r,
	}
}

func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ConversationState is the durable per-thread unit.
type ConversationState struct {
	ThreadID      string    `json:"thread_id"`
	History       []Message `json:"history"`
	Cart          []int64   `json:"cart"`
	CurrentIntent Intent    `json:"current_intent,omitempty"`
	RequiresHuman bool      `json:"requires_human"`
	LastPhase     Phase     `json:"last_phase,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrDuplicateCartItem = errors.New("cart contains duplicate product id")
	ErrInvalidIntent     = errors.New("invalid intent")
)

func NewConversationState(threadID string, now time.Time) *ConversationState {
	return &ConversationState{
		ThreadID:  threadID,
		History:   []Message{},
		Cart:      []int64{},
		Version:   CheckpointVersion,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (s *ConversationState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// EnsureCollections replaces nil slices so that a state decoded from an older
// or hand-written checkpoint compares equal to a freshly created one.
func (s *ConversationState) EnsureCollections() {
	if s.History == nil {
		s.History = []Message{}
	}
	if s.Cart == nil {
		s.Cart = []int64{}
	}
}

// LastAssistantMessage returns the most recent assistant-authored entry.
func (s *ConversationState) LastAssistantMessage() (Message, bool) {
	if s == nil {
		return Message{}, false
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleAssistant {
			return s.History[i], true
		}
	}
	return Message{}, false
}

// LastToolResult returns the most recent tool-result entry.
func (s *ConversationState) LastToolResult() (Message, bool) {
	if s == nil {
		return Message{}, false
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleTool {
			return s.History[i], true
		}
	}
	return Message{}, false
}

func (s *ConversationState) Validate() error {
	if s == nil {
		return ErrNilState
	}
	if s.ThreadID == "" {
		return ErrInvalidThread
	}
	if !s.CurrentIntent.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidIntent, s.CurrentIntent)
	}
	seen := make(map[int64]struct{}, len(s.Cart))
	for _, id := range s.Cart {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateCartItem, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
