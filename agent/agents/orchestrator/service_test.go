package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	states  map[string]*statex.ConversationState
	loadErr error
	saveErr error
	phases  []statex.Phase
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]*statex.ConversationState{}}
}

func cloneState(st *statex.ConversationState) *statex.ConversationState {
	cp := *st
	cp.History = append([]statex.Message{}, st.History...)
	cp.Cart = append([]int64{}, st.Cart...)
	return &cp
}

func (f *fakeStore) Load(ctx context.Context, threadID string) (*statex.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	st, ok := f.states[threadID]
	if !ok {
		return nil, statex.ErrStateNotFound
	}
	return cloneState(st), nil
}

func (f *fakeStore) Save(ctx context.Context, st *statex.ConversationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.states[st.ThreadID] = cloneState(st)
	f.phases = append(f.phases, st.LastPhase)
	return nil
}

func (f *fakeStore) get(threadID string) *statex.ConversationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[threadID]
}

// scriptedDecider replays responses in order and repeats the last one.
type scriptedDecider struct {
	mu        sync.Mutex
	responses []statex.Message
	err       error
	reqs      []contractx.DecideRequest
	hook      func()
}

func (s *scriptedDecider) Decide(ctx context.Context, req contractx.DecideRequest) (statex.Message, error) {
	if s.hook != nil {
		s.hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return statex.Message{}, s.err
	}
	idx := len(s.reqs) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func (s *scriptedDecider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type fakeTools struct {
	mu     sync.Mutex
	result func(call statex.ToolCall) statex.ToolResult
	envs   []contractx.ToolEnv
}

func (f *fakeTools) Execute(ctx context.Context, env contractx.ToolEnv, calls []statex.ToolCall) []statex.Message {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()

	out := make([]statex.Message, 0, len(calls))
	for _, call := range calls {
		res := statex.Success(statex.ActionNone, "ok")
		if f.result != nil {
			res = f.result(call)
		}
		out = append(out, statex.ToolMessage(call.ID, call.Name, res))
	}
	return out
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []contractx.Outbound
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, out contractx.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return f.err
}

type fakeThreads struct {
	touched []string
	err     error
}

func (f *fakeThreads) TouchThread(ctx context.Context, threadID, platform, userName string) error {
	f.touched = append(f.touched, threadID+"|"+platform+"|"+userName)
	return f.err
}

func newTestOrchestrator(t *testing.T, store statex.Store, decider contractx.Decider, tools contractx.ToolGateway, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	o, err := New(store, decider, tools, Config{}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func inbound(text string) contractx.Inbound {
	return contractx.Inbound{Platform: "telegram", SenderID: "42", ThreadID: "telegram_42", Text: text, UserName: "Mali"}
}

func toolCall(id, name, args string) statex.Message {
	return statex.AssistantMessage("", statex.ToolCall{ID: id, Name: name, Arguments: args})
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, &scriptedDecider{}, &fakeTools{}, Config{}); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := New(newFakeStore(), nil, &fakeTools{}, Config{}); err == nil {
		t.Fatal("expected missing decider error")
	}
	if _, err := New(newFakeStore(), &scriptedDecider{}, nil, Config{}); err == nil {
		t.Fatal("expected missing tools error")
	}
}

func TestHandleMessageInvalidInput(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, newFakeStore(), &scriptedDecider{}, &fakeTools{})

	_, err := o.HandleMessage(context.Background(), contractx.Inbound{ThreadID: "  ", Text: "hello"})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	_, err = o.HandleMessage(context.Background(), contractx.Inbound{ThreadID: "t1", Text: "   "})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestHandleMessageNoToolPath(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	decider := &scriptedDecider{responses: []statex.Message{statex.AssistantMessage("Hi! Looking for anything special?")}}
	publisher := &fakePublisher{}
	threads := &fakeThreads{}
	o := newTestOrchestrator(t, store, decider, &fakeTools{}, WithPublisher(publisher), WithThreadRegistry(threads))

	out, err := o.HandleMessage(context.Background(), inbound("hello there"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	want := contractx.Outbound{
		Platform: "telegram",
		SenderID: "42",
		ThreadID: "telegram_42",
		Text:     "Hi! Looking for anything special?",
		Intent:   statex.IntentBrowsing,
	}
	if out != want {
		t.Fatalf("out = %+v, want %+v", out, want)
	}

	saved := store.get("telegram_42")
	if saved.LastPhase != statex.PhaseTerminal || len(saved.History) != 2 {
		t.Fatalf("saved = %+v", saved)
	}
	wantPhases := []statex.Phase{statex.PhaseRoutingDone, statex.PhaseDeciding, statex.PhaseTerminal}
	if !reflect.DeepEqual(store.phases, wantPhases) {
		t.Fatalf("phases = %v, want %v", store.phases, wantPhases)
	}
	if len(publisher.sent) != 1 || publisher.sent[0] != want {
		t.Fatalf("published = %+v", publisher.sent)
	}
	if len(threads.touched) != 1 || threads.touched[0] != "telegram_42|telegram|Mali" {
		t.Fatalf("touched = %v", threads.touched)
	}
}

func TestHandleMessageToolLoop(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	decider := &scriptedDecider{responses: []statex.Message{
		toolCall("c1", "manage_cart", `{"product_id":7,"action":"add"}`),
		statex.AssistantMessage("Added the tee to your cart."),
	}}
	tools := &fakeTools{result: func(call statex.ToolCall) statex.ToolResult {
		return statex.SuccessFor(statex.ActionAdd, 7, "Added Tee to cart.")
	}}
	o := newTestOrchestrator(t, store, decider, tools)

	out, err := o.HandleMessage(context.Background(), inbound("add the tee please"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != "Added the tee to your cart." {
		t.Fatalf("reply = %q", out.Text)
	}

	saved := store.get("telegram_42")
	if !reflect.DeepEqual(saved.Cart, []int64{7}) {
		t.Fatalf("cart = %v, want [7]", saved.Cart)
	}
	if len(saved.History) != 4 {
		t.Fatalf("history = %+v", saved.History)
	}
	if decider.calls() != 2 || !reflect.DeepEqual(decider.reqs[1].Cart, []int64{7}) {
		t.Fatalf("second decide did not see the fresh cart: %+v", decider.reqs)
	}
	if !reflect.DeepEqual(tools.envs[0].Cart, []int64{}) {
		t.Fatalf("tool env cart = %v", tools.envs[0].Cart)
	}

	wantPhases := []statex.Phase{
		statex.PhaseRoutingDone,
		statex.PhaseDeciding,
		statex.PhaseExecutingTools,
		statex.PhaseUpdatingCart,
		statex.PhaseDeciding,
		statex.PhaseTerminal,
	}
	if !reflect.DeepEqual(store.phases, wantPhases) {
		t.Fatalf("phases = %v, want %v", store.phases, wantPhases)
	}
}

func TestHandleMessageHandoffPriorityAndStickiness(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	decider := &scriptedDecider{responses: []statex.Message{statex.AssistantMessage("unused")}}
	o := newTestOrchestrator(t, store, decider, &fakeTools{})

	out, err := o.HandleMessage(context.Background(), inbound("I'm frustrated, please checkout"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != contractx.HandoffReply || !out.RequiresHuman || out.Intent != statex.IntentSupport {
		t.Fatalf("out = %+v", out)
	}

	out, err = o.HandleMessage(context.Background(), inbound("show me black jeans"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != contractx.HandoffReply || !out.RequiresHuman {
		t.Fatalf("requires_human was not sticky: %+v", out)
	}
	if decider.calls() != 0 {
		t.Fatalf("handoff must not call the model, calls = %d", decider.calls())
	}
	if saved := store.get("telegram_42"); saved.CurrentIntent != statex.IntentBrowsing {
		t.Fatalf("intent = %s", saved.CurrentIntent)
	}
}

func TestHandleMessageLoopCap(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	decider := &scriptedDecider{responses: []statex.Message{
		toolCall("c", "search_inventory", `{}`),
	}}
	tools := &fakeTools{}
	o, err := New(store, decider, tools, Config{MaxIterations: 3}, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := o.HandleMessage(context.Background(), inbound("show me everything"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != contractx.FallbackReply {
		t.Fatalf("reply = %q, want fallback", out.Text)
	}
	if decider.calls() != 4 || len(tools.envs) != 3 {
		t.Fatalf("decide calls = %d, tool batches = %d", decider.calls(), len(tools.envs))
	}
	if saved := store.get("telegram_42"); saved.LastPhase != statex.PhaseTerminal {
		t.Fatalf("phase = %s", saved.LastPhase)
	}
}

func TestHandleMessageDecideFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seed := statex.NewConversationState("telegram_42", testNow)
	seed.Cart = []int64{1, 2}
	store.states[seed.ThreadID] = seed

	o := newTestOrchestrator(t, store, &scriptedDecider{err: contractx.ErrModelTimeout}, &fakeTools{})

	out, err := o.HandleMessage(context.Background(), inbound("anything in navy?"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != contractx.FallbackReply {
		t.Fatalf("reply = %q", out.Text)
	}

	saved := store.get("telegram_42")
	if err := saved.Validate(); err != nil {
		t.Fatalf("saved state invalid: %v", err)
	}
	if !reflect.DeepEqual(saved.Cart, []int64{1, 2}) || len(saved.History) != 2 {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestHandleMessageStoreFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]*fakeStore{
		"save": {states: map[string]*statex.ConversationState{}, saveErr: errors.New("redis down")},
		"load": {states: map[string]*statex.ConversationState{}, loadErr: errors.New("redis down")},
	}
	for name, store := range cases {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			publisher := &fakePublisher{}
			o := newTestOrchestrator(t, store,
				&scriptedDecider{responses: []statex.Message{statex.AssistantMessage("hi")}},
				&fakeTools{},
				WithPublisher(publisher),
			)
			out, err := o.HandleMessage(context.Background(), inbound("hello"))
			if err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if out.Text != contractx.FallbackReply {
				t.Fatalf("reply = %q", out.Text)
			}
			if strings.Contains(out.Text, "redis") {
				t.Fatal("technical detail leaked into reply")
			}
			if len(publisher.sent) != 1 {
				t.Fatalf("fallback was not published: %+v", publisher.sent)
			}
		})
	}
}

func TestHandleMessageIgnoresSideChannelFailures(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, newFakeStore(),
		&scriptedDecider{responses: []statex.Message{statex.AssistantMessage("hello!")}},
		&fakeTools{},
		WithPublisher(&fakePublisher{err: errors.New("qstash 500")}),
		WithThreadRegistry(&fakeThreads{err: errors.New("db down")}),
	)

	out, err := o.HandleMessage(context.Background(), inbound("hi"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != "hello!" {
		t.Fatalf("reply = %q", out.Text)
	}
}

func TestHandleMessagePersistenceAndHistoryBound(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	decider := &scriptedDecider{responses: []statex.Message{statex.AssistantMessage("noted")}}
	o := newTestOrchestrator(t, store, decider, &fakeTools{})

	var before *statex.ConversationState
	for i := 0; i < 8; i++ {
		if _, err := o.HandleMessage(context.Background(), inbound(fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		saved := store.get("telegram_42")
		if len(saved.History) > statex.DefaultHistoryLimit {
			t.Fatalf("turn %d: history length %d exceeds cap", i, len(saved.History))
		}
		if before != nil {
			want := statex.ReduceHistory(before.History,
				[]statex.Message{statex.UserMessage(fmt.Sprintf("message %d", i))},
				statex.DefaultHistoryLimit,
			)
			if !reflect.DeepEqual(decider.reqs[i].History, want) {
				t.Fatalf("turn %d did not resume from the saved history", i)
			}
		}
		before = saved
	}

	saved := store.get("telegram_42")
	if saved.History[0].Content != "message 3" {
		t.Fatalf("oldest kept entry = %q, want message 3", saved.History[0].Content)
	}
	if saved.History[len(saved.History)-1].Content != "noted" {
		t.Fatalf("newest entry = %q", saved.History[len(saved.History)-1].Content)
	}
}

func TestHandleMessageCheckoutClearsCart(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seed := statex.NewConversationState("telegram_42", testNow)
	seed.Cart = []int64{1, 2}
	store.states[seed.ThreadID] = seed

	decider := &scriptedDecider{responses: []statex.Message{
		toolCall("c1", "finalize_order", `{}`),
		statex.AssistantMessage("Your order is confirmed!"),
	}}
	tools := &fakeTools{result: func(call statex.ToolCall) statex.ToolResult {
		return statex.Success(statex.ActionCheckout, "Order confirmed. Total: $129.98")
	}}
	o := newTestOrchestrator(t, store, decider, tools)

	out, err := o.HandleMessage(context.Background(), inbound("checkout please"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Intent != statex.IntentCheckout {
		t.Fatalf("intent = %s", out.Intent)
	}
	if !reflect.DeepEqual(tools.envs[0].Cart, []int64{1, 2}) {
		t.Fatalf("tool env cart = %v", tools.envs[0].Cart)
	}
	if saved := store.get("telegram_42"); len(saved.Cart) != 0 {
		t.Fatalf("cart = %v, want empty", saved.Cart)
	}
}

func TestHandleMessageRecoversInterruptedBatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seed := statex.NewConversationState("telegram_42", testNow)
	seed.History = []statex.Message{
		statex.UserMessage("add 5"),
		toolCall("c1", "manage_cart", `{"product_id":5,"action":"add"}`),
		statex.ToolMessage("c1", "manage_cart", statex.SuccessFor(statex.ActionAdd, 5, "Added.")),
	}
	seed.LastPhase = statex.PhaseExecutingTools
	store.states[seed.ThreadID] = seed

	decider := &scriptedDecider{responses: []statex.Message{statex.AssistantMessage("Anything else?")}}
	o := newTestOrchestrator(t, store, decider, &fakeTools{})

	if _, err := o.HandleMessage(context.Background(), inbound("did that work?")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !reflect.DeepEqual(decider.reqs[0].Cart, []int64{5}) {
		t.Fatalf("decide cart = %v, want [5]", decider.reqs[0].Cart)
	}
	if saved := store.get("telegram_42"); !reflect.DeepEqual(saved.Cart, []int64{5}) {
		t.Fatalf("cart = %v", saved.Cart)
	}
}

func TestHandleMessageSerializesSameThread(t *testing.T) {
	t.Parallel()

	var active, maxActive int32
	decider := &scriptedDecider{
		responses: []statex.Message{statex.AssistantMessage("ok")},
		hook: func() {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		},
	}
	store := newFakeStore()
	o := newTestOrchestrator(t, store, decider, &fakeTools{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := o.HandleMessage(context.Background(), inbound(fmt.Sprintf("msg %d", i))); err != nil {
				t.Errorf("HandleMessage() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent turns on one thread = %d, want 1", maxActive)
	}
	if saved := store.get("telegram_42"); len(saved.History) != statex.DefaultHistoryLimit {
		t.Fatalf("lost updates: history length = %d", len(saved.History))
	}
}
