package router

import (
	"strings"

	"github.com/tanpawarit/chative-commerce-agent/agent/state"
)

// Trigger names the keyword set that decided a classification.
type Trigger string

const (
	TriggerHuman    Trigger = "human"
	TriggerCheckout Trigger = "checkout"
	TriggerCart     Trigger = "cart"
	TriggerDefault  Trigger = "default"
)

type Result struct {
	Intent        state.Intent
	RequiresHuman bool
	Trigger       Trigger
	Keyword       string
}

type rule struct {
	trigger  Trigger
	intent   state.Intent
	human    bool
	keywords []string
}

// Rules are evaluated in order; the first set with a matching keyword wins.
var rules = []rule{
	{
		trigger: TriggerHuman,
		intent:  state.IntentSupport,
		human:   true,
		keywords: []string{
			"human", "real person", "agent", "support", "help me",
			"this is wrong", "i'm frustrated", "frustrated", "angry",
			"not happy", "speak to someone", "talk to someone",
		},
	},
	{
		trigger: TriggerCheckout,
		intent:  state.IntentCheckout,
		keywords: []string{
			"checkout", "buy", "purchase", "order", "pay",
			"place order", "buy it", "i'll take it", "confirm",
		},
	},
	{
		trigger:  TriggerCart,
		intent:   state.IntentBrowsing,
		keywords: []string{"cart", "what's in my cart", "my cart", "show cart"},
	},
}

// Classify labels text with an intent and escalation flag. It never fails:
// text that matches no keyword set, including the empty string, is browsing.
func Classify(text string) Result {
	lowered := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lowered, kw) {
				return Result{Intent: r.intent, RequiresHuman: r.human, Trigger: r.trigger, Keyword: kw}
			}
		}
	}
	return Result{Intent: state.IntentBrowsing, Trigger: TriggerDefault}
}

// Apply appends the user message to the history and records the
// classification. RequiresHuman only ever turns on here; clearing it belongs
// to the human-support side.
func Apply(st *state.ConversationState, text string, historyLimit int) Result {
	res := Classify(text)
	st.History = state.ReduceHistory(st.History, []state.Message{state.UserMessage(text)}, historyLimit)
	st.CurrentIntent = res.Intent
	st.RequiresHuman = st.RequiresHuman || res.RequiresHuman
	return res
}
