package state

// ReduceCart merges one tool result into the cart and returns a new slice.
// It never fails: error results, unknown actions and results without the
// product id they need leave the cart as it was.
func ReduceCart(cart []int64, res ToolResult) []int64 {
	out := make([]int64, 0, len(cart)+1)
	out = append(out, cart...)

	if res.Status != StatusSuccess {
		return out
	}

	switch res.Action {
	case ActionAdd:
		if res.ProductID == nil || containsID(out, *res.ProductID) {
			return out
		}
		return append(out, *res.ProductID)
	case ActionRemove:
		if res.ProductID == nil {
			return out
		}
		kept := out[:0]
		for _, id := range out {
			if id != *res.ProductID {
				kept = append(kept, id)
			}
		}
		return kept
	case ActionCheckout:
		return []int64{}
	default:
		return out
	}
}

// ReduceCartWithMessage applies the tool-result entry msg to the cart.
// Non-tool entries and display-only tool output are no-ops.
func ReduceCartWithMessage(cart []int64, msg Message) []int64 {
	res, ok := ResultOf(msg)
	if !ok {
		out := make([]int64, len(cart))
		copy(out, cart)
		return out
	}
	return ReduceCart(cart, res)
}

// ReduceHistory appends added in order and keeps the newest limit entries.
// A non-positive limit means DefaultHistoryLimit.
func ReduceHistory(history []Message, added []Message, limit int) []Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	total := len(history) + len(added)
	start := 0
	if total > limit {
		start = total - limit
	}

	out := make([]Message, 0, total-start)
	for i := start; i < total; i++ {
		if i < len(history) {
			out = append(out, history[i])
			continue
		}
		out = append(out, added[i-len(history)])
	}
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// PendingToolResults returns the tool-result entries that follow the newest
// assistant message carrying tool calls. These are the results of the most
// recent tool batch and nothing else.
func PendingToolResults(history []Message) []Message {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].HasToolCalls() {
			continue
		}
		var out []Message
		for _, msg := range history[i+1:] {
			if msg.Role == RoleTool {
				out = append(out, msg)
			}
		}
		return out
	}
	return nil
}

// ReduceCartBatch folds the results of the latest tool batch into the cart,
// each result once, in call order.
func ReduceCartBatch(cart []int64, history []Message) []int64 {
	out := make([]int64, len(cart))
	copy(out, cart)
	for _, msg := range PendingToolResults(history) {
		out = ReduceCartWithMessage(out, msg)
	}
	return out
}
