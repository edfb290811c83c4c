package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type memStore struct {
	states  map[string]*statex.ConversationState
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{states: map[string]*statex.ConversationState{}}
}

func (m *memStore) Load(ctx context.Context, threadID string) (*statex.ConversationState, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	st, ok := m.states[threadID]
	if !ok {
		return nil, statex.ErrStateNotFound
	}
	cp := *st
	cp.History = append([]statex.Message{}, st.History...)
	cp.Cart = append([]int64{}, st.Cart...)
	return &cp, nil
}

func (m *memStore) Save(ctx context.Context, st *statex.ConversationState) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *st
	cp.History = append([]statex.Message{}, st.History...)
	cp.Cart = append([]int64{}, st.Cart...)
	m.states[st.ThreadID] = &cp
	m.saves++
	return nil
}

type stubDecider struct {
	msg  statex.Message
	err  error
	reqs []contractx.DecideRequest
}

func (s *stubDecider) Decide(ctx context.Context, req contractx.DecideRequest) (statex.Message, error) {
	s.reqs = append(s.reqs, req)
	return s.msg, s.err
}

type stubTools struct {
	results []statex.Message
	envs    []contractx.ToolEnv
	calls   [][]statex.ToolCall
}

// Execute returns the canned results, or one add per call when none are set.
func (s *stubTools) Execute(ctx context.Context, env contractx.ToolEnv, calls []statex.ToolCall) []statex.Message {
	s.envs = append(s.envs, env)
	s.calls = append(s.calls, calls)
	if s.results != nil {
		return s.results
	}
	out := make([]statex.Message, 0, len(calls))
	for i, c := range calls {
		out = append(out, statex.ToolMessage(c.ID, c.Name, statex.SuccessFor(statex.ActionAdd, int64(i+1), "Added.")))
	}
	return out
}

func newGraphState(t *testing.T, text string) *GraphState {
	t.Helper()
	in, err := ValidateRequest(GraphInput{Inbound: contractx.Inbound{
		Platform: "telegram",
		SenderID: "42",
		ThreadID: "telegram_42",
		Text:     text,
	}}, Limits{}, fixedNow)
	if err != nil {
		t.Fatalf("ValidateRequest() error = %v", err)
	}
	in.State = statex.NewConversationState("telegram_42", testNow)
	return in
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	in, err := ValidateRequest(GraphInput{Inbound: contractx.Inbound{ThreadID: "  t1 ", Text: " hi "}}, Limits{}, fixedNow)
	if err != nil {
		t.Fatalf("ValidateRequest() error = %v", err)
	}
	if in.Inbound.ThreadID != "t1" || in.Inbound.Text != "hi" {
		t.Fatalf("inbound not trimmed: %+v", in.Inbound)
	}
	if in.Limits.HistoryLimit != statex.DefaultHistoryLimit || in.Limits.MaxIterations != DefaultMaxIterations {
		t.Fatalf("limits = %+v", in.Limits)
	}

	for name, inbound := range map[string]contractx.Inbound{
		"empty thread": {ThreadID: " ", Text: "hi"},
		"empty text":   {ThreadID: "t1", Text: "   "},
	} {
		if _, err := ValidateRequest(GraphInput{Inbound: inbound}, Limits{}, fixedNow); !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("%s: error = %v, want ErrValidation", name, err)
		}
	}
}

func TestLoadStateCreatesNewConversation(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "hi")
	in.State = nil

	out, err := LoadState(context.Background(), in, newMemStore())
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !out.Created || out.State.ThreadID != "telegram_42" || out.Recovered {
		t.Fatalf("unexpected state: %+v", out)
	}
}

func TestLoadStateSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.loadErr = errors.New("connection refused")
	in := newGraphState(t, "hi")

	if _, err := LoadState(context.Background(), in, store); err == nil {
		t.Fatal("expected load error")
	}
}

func TestLoadStateRecoversInterruptedToolBatch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	st := statex.NewConversationState("telegram_42", testNow)
	st.Cart = []int64{1}
	st.History = []statex.Message{
		statex.UserMessage("add 2 and drop 1"),
		statex.AssistantMessage("", statex.ToolCall{ID: "a", Name: "manage_cart"}, statex.ToolCall{ID: "b", Name: "manage_cart"}),
		statex.ToolMessage("a", "manage_cart", statex.SuccessFor(statex.ActionAdd, 2, "Added.")),
		statex.ToolMessage("b", "manage_cart", statex.SuccessFor(statex.ActionRemove, 1, "Removed.")),
	}
	st.LastPhase = statex.PhaseExecutingTools
	store.states[st.ThreadID] = st

	out, err := LoadState(context.Background(), newGraphState(t, "hello?"), store)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !out.Recovered {
		t.Fatal("expected recovery")
	}
	if !reflect.DeepEqual(out.State.Cart, []int64{2}) {
		t.Fatalf("cart = %v, want [2]", out.State.Cart)
	}
	if out.State.LastPhase != statex.PhaseUpdatingCart {
		t.Fatalf("phase = %s", out.State.LastPhase)
	}
}

func TestRouteAndAfterRoute(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "I'm frustrated, please checkout")
	out, err := Route(in)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if !out.State.RequiresHuman || out.State.CurrentIntent != statex.IntentSupport {
		t.Fatalf("state = %+v", out.State)
	}
	if got := AfterRoute(out); got != NodeHandoff {
		t.Fatalf("AfterRoute() = %s, want %s", got, NodeHandoff)
	}

	in = newGraphState(t, "show me blue shirts")
	out, _ = Route(in)
	if got := AfterRoute(out); got != NodeDecide {
		t.Fatalf("AfterRoute() = %s, want %s", got, NodeDecide)
	}
	if len(out.State.History) != 1 || out.State.History[0].Role != statex.RoleUser {
		t.Fatalf("history = %+v", out.State.History)
	}
}

func TestHandoffKeepsCartAndIntent(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "real person please")
	in.State.Cart = []int64{3}
	in, _ = Route(in)

	out, err := Handoff(in)
	if err != nil {
		t.Fatalf("Handoff() error = %v", err)
	}
	reply, err := FinalizeReply(out)
	if err != nil {
		t.Fatalf("FinalizeReply() error = %v", err)
	}
	if reply.Reply != contractx.HandoffReply || !reply.RequiresHuman || reply.Intent != statex.IntentSupport {
		t.Fatalf("reply = %+v", reply)
	}
	if !reflect.DeepEqual(out.State.Cart, []int64{3}) {
		t.Fatalf("cart = %v", out.State.Cart)
	}
}

func TestDecidePassesFreshCart(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "hi")
	in.State.Cart = []int64{5, 6}
	in, _ = Route(in)
	decider := &stubDecider{msg: statex.AssistantMessage("Hello!")}

	out, err := Decide(context.Background(), in, decider)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(decider.reqs) != 1 || !reflect.DeepEqual(decider.reqs[0].Cart, []int64{5, 6}) {
		t.Fatalf("requests = %+v", decider.reqs)
	}
	if got := AfterDecide(out); got != NodeFinalizeReply {
		t.Fatalf("AfterDecide() = %s", got)
	}
}

func TestDecideFailureAppendsFallback(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "hi")
	in.State.Cart = []int64{5}
	in, _ = Route(in)

	out, err := Decide(context.Background(), in, &stubDecider{err: contractx.ErrModelTimeout})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	last, _ := out.State.LastAssistantMessage()
	if last.Content != contractx.FallbackReply {
		t.Fatalf("last assistant = %q", last.Content)
	}
	if !reflect.DeepEqual(out.State.Cart, []int64{5}) || len(out.State.History) != 2 {
		t.Fatalf("state mutated beyond fallback: %+v", out.State)
	}
}

func TestAfterDecideRespectsIterationBudget(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "hi")
	in.State.History = []statex.Message{
		statex.UserMessage("hi"),
		statex.AssistantMessage("", statex.ToolCall{ID: "c1", Name: "search_inventory"}),
	}

	if got := AfterDecide(in); got != NodeExecuteTools {
		t.Fatalf("AfterDecide() = %s, want %s", got, NodeExecuteTools)
	}
	in.Iterations = in.Limits.MaxIterations
	if got := AfterDecide(in); got != NodeExhausted {
		t.Fatalf("AfterDecide() = %s, want %s", got, NodeExhausted)
	}

	out, err := Exhausted(in)
	if err != nil {
		t.Fatalf("Exhausted() error = %v", err)
	}
	reply, _ := FinalizeReply(out)
	if reply.Reply != contractx.FallbackReply {
		t.Fatalf("reply = %q", reply.Reply)
	}
}

func TestExecuteToolsThenUpdateCart(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "add 7")
	in.State.Cart = []int64{1}
	in.State.History = []statex.Message{
		statex.UserMessage("add 7"),
		statex.AssistantMessage("", statex.ToolCall{ID: "c1", Name: "manage_cart", Arguments: `{"product_id":7,"action":"add"}`}),
	}
	tools := &stubTools{results: []statex.Message{
		statex.ToolMessage("c1", "manage_cart", statex.SuccessFor(statex.ActionAdd, 7, "Added Tee to cart.")),
	}}

	out, err := ExecuteTools(context.Background(), in, tools)
	if err != nil {
		t.Fatalf("ExecuteTools() error = %v", err)
	}
	if out.Iterations != 1 || len(out.Pending) != 1 {
		t.Fatalf("iterations=%d pending=%d", out.Iterations, len(out.Pending))
	}
	if !reflect.DeepEqual(tools.envs[0], contractx.ToolEnv{ThreadID: "telegram_42", Cart: []int64{1}}) {
		t.Fatalf("env = %+v", tools.envs[0])
	}
	if !reflect.DeepEqual(out.State.Cart, []int64{1}) {
		t.Fatal("ExecuteTools must not touch the cart")
	}

	out, err = UpdateCart(out)
	if err != nil {
		t.Fatalf("UpdateCart() error = %v", err)
	}
	if !reflect.DeepEqual(out.State.Cart, []int64{1, 7}) || out.Pending != nil {
		t.Fatalf("cart = %v pending = %v", out.State.Cart, out.Pending)
	}

	again, _ := UpdateCart(out)
	if !reflect.DeepEqual(again.State.Cart, []int64{1, 7}) {
		t.Fatalf("re-running UpdateCart changed the cart: %v", again.State.Cart)
	}
}

func TestExecuteToolsBatchFitsHistoryWindow(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "add everything")
	in.Limits.HistoryLimit = 4
	calls := make([]statex.ToolCall, 0, 6)
	for i := 0; i < 6; i++ {
		calls = append(calls, statex.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "manage_cart"})
	}
	in.State.History = []statex.Message{
		statex.UserMessage("add everything"),
		statex.AssistantMessage("", calls...),
	}
	tools := &stubTools{}

	out, err := ExecuteTools(context.Background(), in, tools)
	if err != nil {
		t.Fatalf("ExecuteTools() error = %v", err)
	}
	if len(tools.calls[0]) != 3 {
		t.Fatalf("executed %d calls, want 3", len(tools.calls[0]))
	}
	if len(out.State.History) != 4 {
		t.Fatalf("history len = %d, want 4", len(out.State.History))
	}
	issuer := out.State.History[0]
	if issuer.Role != statex.RoleAssistant || len(issuer.ToolCalls) != 3 {
		t.Fatalf("issuing message not kept intact: %+v", issuer)
	}

	pending := statex.PendingToolResults(out.State.History)
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	if got := statex.ReduceCartBatch(nil, out.State.History); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Fatalf("recovered cart = %v, want [1 2 3]", got)
	}
}

func TestExecuteToolsWithoutCalls(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "hi")
	if _, err := ExecuteTools(context.Background(), in, &stubTools{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestCheckpointPersistsPhase(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	in := newGraphState(t, "hi")
	in, _ = Route(in)

	if _, err := Checkpoint(context.Background(), in, store, statex.PhaseRoutingDone); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	saved := store.states["telegram_42"]
	if saved == nil || saved.LastPhase != statex.PhaseRoutingDone || len(saved.History) != 1 {
		t.Fatalf("saved = %+v", saved)
	}

	store.saveErr = errors.New("disk full")
	if _, err := Checkpoint(context.Background(), in, store, statex.PhaseDeciding); err == nil {
		t.Fatal("expected save error")
	}

	in.State.Cart = []int64{2, 2}
	store.saveErr = nil
	if _, err := Checkpoint(context.Background(), in, store, statex.PhaseDeciding); !errors.Is(err, statex.ErrDuplicateCartItem) {
		t.Fatalf("error = %v, want ErrDuplicateCartItem", err)
	}
}

func TestFinalizeReplyFallsBackWhenEmpty(t *testing.T) {
	t.Parallel()

	in := newGraphState(t, "hi")
	out, err := FinalizeReply(in)
	if err != nil {
		t.Fatalf("FinalizeReply() error = %v", err)
	}
	if out.Reply != contractx.FallbackReply {
		t.Fatalf("reply = %q", out.Reply)
	}
}
