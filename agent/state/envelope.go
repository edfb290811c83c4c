package state

import (
	"encoding/json"
	"strings"
)

type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

type CartAction string

const (
	ActionAdd      CartAction = "add"
	ActionRemove   CartAction = "remove"
	ActionCheckout CartAction = "checkout"
	ActionNone     CartAction = "none"
)

// ToolResult is the wire envelope every tool returns:
//
//	{"status":"success"|"error","action":"add"|"remove"|"checkout"|"none","product_id":7,"message":"..."}
type ToolResult struct {
	Status    ResultStatus `json:"status"`
	Action    CartAction   `json:"action"`
	ProductID *int64       `json:"product_id,omitempty"`
	Message   string       `json:"message"`
}

func Success(action CartAction, message string) ToolResult {
	return ToolResult{Status: StatusSuccess, Action: action, Message: message}
}

func SuccessFor(action CartAction, productID int64, message string) ToolResult {
	id := productID
	return ToolResult{Status: StatusSuccess, Action: action, ProductID: &id, Message: message}
}

func Failure(message string) ToolResult {
	return ToolResult{Status: StatusError, Action: ActionNone, Message: message}
}

func (r ToolResult) OK() bool {
	return r.Status == StatusSuccess
}

func (r ToolResult) Encode() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(raw)
}

// DecodeToolResult parses a JSON envelope. Anything that is not a JSON object
// with a known status is reported as not-an-envelope.
func DecodeToolResult(content string) (ToolResult, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return ToolResult{}, false
	}
	var out ToolResult
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return ToolResult{}, false
	}
	switch out.Status {
	case StatusSuccess, StatusError:
		return out, true
	default:
		return ToolResult{}, false
	}
}

// ResultOf extracts the structured result of a tool-result entry, preferring
// the typed field over the display content.
func ResultOf(msg Message) (ToolResult, bool) {
	if msg.Role != RoleTool {
		return ToolResult{}, false
	}
	if msg.Result != nil {
		return *msg.Result, true
	}
	return DecodeToolResult(msg.Content)
}
