package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/engine"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/backend"
)

// ── test doubles ─────────────────────────────────────────────────────────

type engineCmd struct {
	name   string
	item   engine.ConversationItem
	choice engine.ToolChoice
	audio  string
	itemID string
	cfg    engine.SessionConfig
}

type fakeEngine struct {
	events    chan engine.Event
	cmds      chan engineCmd
	closeOnce sync.Once
}

var _ engine.Session = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan engine.Event, 64),
		cmds:   make(chan engineCmd, 64),
	}
}

func (e *fakeEngine) record(c engineCmd) error {
	e.cmds <- c
	return nil
}

func (e *fakeEngine) Events() <-chan engine.Event { return e.events }

func (e *fakeEngine) UpdateSession(_ context.Context, cfg engine.SessionConfig) error {
	return e.record(engineCmd{name: "update_session", cfg: cfg})
}

func (e *fakeEngine) CreateConversationItem(_ context.Context, item engine.ConversationItem) error {
	return e.record(engineCmd{name: "create_item", item: item})
}

func (e *fakeEngine) CreateResponse(_ context.Context, choice engine.ToolChoice) error {
	return e.record(engineCmd{name: "create_response", choice: choice})
}

func (e *fakeEngine) AppendInputAudio(_ context.Context, audioB64 string) error {
	return e.record(engineCmd{name: "append_audio", audio: audioB64})
}

func (e *fakeEngine) CancelResponse(_ context.Context) error {
	return e.record(engineCmd{name: "cancel_response"})
}

func (e *fakeEngine) DeleteConversationItem(_ context.Context, itemID string) error {
	return e.record(engineCmd{name: "delete_item", itemID: itemID})
}

func (e *fakeEngine) GetItem(_ context.Context, itemID string) error {
	return e.record(engineCmd{name: "get_item", itemID: itemID})
}

func (e *fakeEngine) GetConversationItems(context.Context) error {
	return e.record(engineCmd{name: "get_items"})
}

func (e *fakeEngine) Close() error {
	e.closeOnce.Do(func() { close(e.events) })
	return nil
}

type fakeClient struct {
	events chan wire.ServerEvent
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan wire.ServerEvent, 64)}
}

func (c *fakeClient) Send(_ context.Context, ev wire.ServerEvent) error {
	c.events <- ev
	return nil
}

// fakeServices answers every backend call with a canned result. When block
// is set each call stalls until the channel closes, and calls counts the
// tool executions that actually reached the backend.
type fakeServices struct {
	profile backend.Profile
	recall  backend.Result
	block   chan struct{}
	calls   atomic.Int32
}

var _ backend.Services = (*fakeServices)(nil)

func (s *fakeServices) answer(ctx context.Context, text string) (backend.Result, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	return backend.Result{Text: text}, nil
}

func (s *fakeServices) Search(ctx context.Context, _ backend.Request) (backend.Result, error) {
	return s.answer(ctx, "search result")
}
func (s *fakeServices) Expert(ctx context.Context, _ backend.Request) (backend.Result, error) {
	return s.answer(ctx, "expert result")
}
func (s *fakeServices) Image(ctx context.Context, _ backend.Request) (backend.Result, error) {
	return s.answer(ctx, "image result")
}
func (s *fakeServices) Vision(ctx context.Context, _ backend.Request) (backend.Result, error) {
	return s.answer(ctx, "vision result")
}
func (s *fakeServices) Reason(ctx context.Context, _ backend.Request) (backend.Result, error) {
	return s.answer(ctx, "reason result")
}
func (s *fakeServices) Recall(context.Context, backend.Request) (backend.Result, error) {
	return s.recall, nil
}
func (s *fakeServices) Profile(context.Context, string, string) (backend.Profile, error) {
	return s.profile, nil
}

// ── helpers ──────────────────────────────────────────────────────────────

const waitTimeout = 2 * time.Second

func startSession(t *testing.T) (*Orchestrator, *fakeEngine, *fakeClient) {
	t.Helper()
	return startSessionWith(t, &fakeServices{})
}

func startSessionWith(t *testing.T, svc backend.Services) (*Orchestrator, *fakeEngine, *fakeClient) {
	t.Helper()

	eng := newFakeEngine()
	client := newFakeClient()
	id := Identity{UserID: "u1", AIName: "Aria", UserName: "Sam", Voice: "alloy", Language: "English"}
	o := NewOrchestrator(id, eng, client, svc)

	go func() {
		if err := o.Run(context.Background()); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(o.Close)
	return o, eng, client
}

// waitCmd consumes engine commands until one named name arrives.
func waitCmd(t *testing.T, eng *fakeEngine, name string) engineCmd {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case cmd := <-eng.cmds:
			if cmd.name == name {
				return cmd
			}
		case <-deadline:
			t.Fatalf("timed out waiting for engine command %q", name)
		}
	}
}

// waitServerEvent consumes client events until one of the given type arrives.
func waitServerEvent(t *testing.T, c *fakeClient, typ wire.ServerEventType) wire.ServerEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-c.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for server event %q", typ)
		}
	}
}

// countServerEvents drains buffered client events after a settling pause and
// counts those of the given type.
func countServerEvents(c *fakeClient, typ wire.ServerEventType) int {
	time.Sleep(200 * time.Millisecond)
	n := 0
	for {
		select {
		case ev := <-c.events:
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

// onLoop executes fn on the orchestrator's run loop and waits for it.
func onLoop(t *testing.T, o *Orchestrator, fn func()) {
	t.Helper()
	done := make(chan struct{})
	o.post(func() { fn(); close(done) })
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for orchestrator loop")
	}
}

// waitLoopState polls cond on the run loop until it holds.
func waitLoopState(t *testing.T, o *Orchestrator, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		ok := false
		onLoop(t, o, func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("orchestrator never reached expected state")
}

// countCmds drains buffered engine commands after a settling pause and
// counts those of the given name.
func countCmds(eng *fakeEngine, name string) int {
	time.Sleep(200 * time.Millisecond)
	n := 0
	for {
		select {
		case cmd := <-eng.cmds:
			if cmd.name == name {
				n++
			}
		default:
			return n
		}
	}
}

// ── tests ────────────────────────────────────────────────────────────────

func TestOrchestrator_SetupFlow(t *testing.T) {
	t.Parallel()

	_, eng, client := startSession(t)

	cfg := waitCmd(t, eng, "update_session").cfg
	if cfg.Voice != "alloy" {
		t.Errorf("session voice = %q, want alloy", cfg.Voice)
	}
	if !strings.Contains(cfg.Instructions, "Aria") {
		t.Errorf("instructions missing agent name: %q", cfg.Instructions)
	}
	if len(cfg.Tools) == 0 {
		t.Error("no tools configured")
	}

	waitServerEvent(t, client, wire.ServerReady)

	// The greeting prompt goes out as a system item followed by a response
	// request with tools allowed.
	item := waitCmd(t, eng, "create_item").item
	if item.Role != "system" {
		t.Errorf("greeting item role = %q, want system", item.Role)
	}
	resp := waitCmd(t, eng, "create_response")
	if resp.choice != engine.ToolChoiceAuto {
		t.Errorf("greeting response tool choice = %q, want auto", resp.choice)
	}
}

func TestOrchestrator_SendMessageCreatesUserItem(t *testing.T) {
	t.Parallel()

	o, eng, _ := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	o.Deliver(wire.ClientEvent{Type: wire.ClientSendMessage, Text: "hello there"})

	item := waitCmd(t, eng, "create_item").item
	if item.Role != "user" {
		t.Errorf("item role = %q, want user", item.Role)
	}
	if len(item.Content) != 1 || item.Content[0].Text != "hello there" {
		t.Errorf("item content = %+v", item.Content)
	}
	waitCmd(t, eng, "create_response")
}

func TestOrchestrator_EmptyMessageIgnored(t *testing.T) {
	t.Parallel()

	o, eng, _ := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	o.Deliver(wire.ClientEvent{Type: wire.ClientSendMessage, Text: "   "})

	select {
	case cmd := <-eng.cmds:
		t.Errorf("unexpected engine command %q after blank message", cmd.name)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOrchestrator_InterruptionEmitsOnce(t *testing.T) {
	t.Parallel()

	_, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	// Audio is playing, then the user starts talking over it.
	eng.events <- engine.Event{Type: engine.EventResponseAudioDelta, ItemID: "item_1", Delta: "QUJD"}
	waitServerEvent(t, client, wire.ServerConversationUpdated)
	eng.events <- engine.Event{Type: engine.EventSpeechStarted}

	waitCmd(t, eng, "cancel_response")
	if n := countServerEvents(client, wire.ServerConversationInterrupted); n != 1 {
		t.Errorf("got %d interrupted events, want 1", n)
	}
}

func TestOrchestrator_SpeechWhileQuietDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	_, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	eng.events <- engine.Event{Type: engine.EventSpeechStarted}

	if n := countServerEvents(client, wire.ServerConversationInterrupted); n != 0 {
		t.Errorf("got %d interrupted events, want 0", n)
	}
}

func TestOrchestrator_AudioForwardingGuard(t *testing.T) {
	t.Parallel()

	o, eng, _ := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	// Quiet session: microphone audio goes upstream.
	o.Deliver(wire.ClientEvent{Type: wire.ClientAppendAudio, Audio: "chunk1"})
	if got := waitCmd(t, eng, "append_audio").audio; got != "chunk1" {
		t.Errorf("forwarded audio = %q, want chunk1", got)
	}

	// While the model is responding with no recent user message, chunks are
	// suppressed.
	eng.events <- engine.Event{Type: engine.EventResponseCreated}
	time.Sleep(100 * time.Millisecond)
	o.Deliver(wire.ClientEvent{Type: wire.ClientAppendAudio, Audio: "chunk2"})
	select {
	case cmd := <-eng.cmds:
		t.Errorf("unexpected engine command %q while responding", cmd.name)
	case <-time.After(300 * time.Millisecond):
	}

	// A fresh user message opens the echo-guard window, so audio flows even
	// mid-response.
	o.Deliver(wire.ClientEvent{Type: wire.ClientSendMessage, Text: "and another thing"})
	waitCmd(t, eng, "create_response")
	o.Deliver(wire.ClientEvent{Type: wire.ClientAppendAudio, Audio: "chunk3"})
	if got := waitCmd(t, eng, "append_audio").audio; got != "chunk3" {
		t.Errorf("forwarded audio = %q, want chunk3", got)
	}
}

func TestOrchestrator_MutedDropsAudioDeltas(t *testing.T) {
	t.Parallel()

	_, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	// Truncation mutes the session.
	eng.events <- engine.Event{Type: engine.EventItemTruncated}
	waitServerEvent(t, client, wire.ServerConversationInterrupted)

	eng.events <- engine.Event{Type: engine.EventResponseAudioDelta, ItemID: "item_2", Delta: "QUJD"}
	if n := countServerEvents(client, wire.ServerConversationUpdated); n != 0 {
		t.Errorf("got %d updated events while muted, want 0", n)
	}
}

func TestOrchestrator_FunctionCallItemTracksName(t *testing.T) {
	t.Parallel()

	_, eng, _ := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	eng.events <- engine.Event{Type: engine.EventOutputItemAdded, Item: &engine.ConversationItem{
		ID: "item_3", Type: "function_call", CallID: "call_1", Name: "Search",
	}}
	eng.events <- engine.Event{Type: engine.EventFunctionCallArguments, CallID: "call_1", Arguments: `{"query":"weather"}`}

	// Working prompt for the spoken tool call, then the finished call posts
	// its output back as a function_call_output item.
	item := waitCmd(t, eng, "create_item").item
	if item.Role != "system" {
		t.Errorf("working prompt role = %q, want system", item.Role)
	}
	for {
		out := waitCmd(t, eng, "create_item").item
		if out.Type != "function_call_output" {
			continue
		}
		if out.CallID != "call_1" {
			t.Errorf("output call id = %q, want call_1", out.CallID)
		}
		if !strings.Contains(out.Output, "search result") {
			t.Errorf("output = %q, want search result text", out.Output)
		}
		return
	}
}

func TestOrchestrator_AudioItemsEvicted(t *testing.T) {
	t.Parallel()

	_, eng, _ := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	audioItem := func(id string) *engine.ConversationItem {
		return &engine.ConversationItem{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Content: []engine.ContentPart{{Type: "audio", Transcript: "hi"}},
		}
	}
	for i := 0; i < 9; i++ {
		eng.events <- engine.Event{
			Type: engine.EventItemCreated,
			Item: audioItem("item_" + string(rune('a'+i))),
		}
	}

	if got := waitCmd(t, eng, "delete_item").itemID; got != "item_a" {
		t.Errorf("evicted item = %q, want item_a", got)
	}
}

func TestOrchestrator_ConversationCompletedEndsRun(t *testing.T) {
	t.Parallel()

	o, eng, _ := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	o.Deliver(wire.ClientEvent{Type: wire.ClientConversationCompleted})

	select {
	case <-o.done:
	case <-time.After(waitTimeout):
		t.Fatal("run loop did not exit after conversation completed")
	}
}

func TestOrchestrator_EngineCloseIsFatal(t *testing.T) {
	t.Parallel()

	o, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	eng.Close()

	ev := waitServerEvent(t, client, wire.ServerError)
	if ev.Message != "upstream connection lost" {
		t.Errorf("error message = %q", ev.Message)
	}
	select {
	case <-o.done:
	case <-time.After(waitTimeout):
		t.Fatal("run loop did not exit after engine stream closed")
	}
}

func TestOrchestrator_TranscriptionForwardedToClient(t *testing.T) {
	t.Parallel()

	_, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	eng.events <- engine.Event{
		Type:       engine.EventTranscriptionCompleted,
		ItemID:     "item_9",
		Transcript: "what time is it",
	}

	for {
		ev := waitServerEvent(t, client, wire.ServerConversationUpdated)
		if ev.Delta == nil || ev.Delta.Transcript == "" {
			continue
		}
		if ev.Delta.Transcript != "what time is it" {
			t.Errorf("transcript = %q", ev.Delta.Transcript)
		}
		if ev.ItemID != "item_9" {
			t.Errorf("item id = %q, want item_9", ev.ItemID)
		}
		return
	}
}

func TestOrchestrator_ScreenshotReassembly(t *testing.T) {
	t.Parallel()

	o, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	type result struct {
		data string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		data, err := o.captureScreenshot(context.Background())
		got <- result{data, err}
	}()

	waitServerEvent(t, client, wire.ServerRequestScreenshot)
	o.Deliver(wire.ClientEvent{Type: wire.ClientScreenshotChunk, Index: 1, Chunk: "WORLD"})
	o.Deliver(wire.ClientEvent{Type: wire.ClientScreenshotChunk, Index: 0, Chunk: "HELLO"})
	o.Deliver(wire.ClientEvent{Type: wire.ClientScreenshotComplete, TotalChunks: 2})

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("captureScreenshot: %v", r.err)
		}
		if r.data != "HELLOWORLD" {
			t.Errorf("screenshot data = %q, want HELLOWORLD", r.data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("screenshot capture did not finish")
	}
}

func TestOrchestrator_ScreenshotError(t *testing.T) {
	t.Parallel()

	o, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	errs := make(chan error, 1)
	go func() {
		_, err := o.captureScreenshot(context.Background())
		errs <- err
	}()

	waitServerEvent(t, client, wire.ServerRequestScreenshot)
	o.Deliver(wire.ClientEvent{Type: wire.ClientScreenshotError, Message: "capture denied"})

	select {
	case err := <-errs:
		if err == nil || !strings.Contains(err.Error(), "capture denied") {
			t.Errorf("captureScreenshot error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("screenshot capture did not fail")
	}
}

func TestOrchestrator_ToolCallSuspendsIdle(t *testing.T) {
	t.Parallel()

	svc := &fakeServices{block: make(chan struct{})}
	o, eng, _ := startSessionWith(t, svc)
	waitCmd(t, eng, "create_response") // greeting

	var preCallGen int
	onLoop(t, o, func() { preCallGen = o.idleGen })

	eng.events <- engine.Event{Type: engine.EventOutputItemAdded, Item: &engine.ConversationItem{
		ID: "item_1", Type: "function_call", CallID: "call_1", Name: "Search",
	}}
	eng.events <- engine.Event{Type: engine.EventFunctionCallArguments, CallID: "call_1", Arguments: `{"query":"weather","silent":true}`}
	waitLoopState(t, o, func() bool { return o.slot.current() != nil })

	// A response finishing mid-call must not restart the idle clock, and a
	// fire scheduled before the call began is stale.
	eng.events <- engine.Event{Type: engine.EventResponseDone}
	onLoop(t, o, func() {
		o.idleFired(preCallGen)
		if o.idleTimer != nil {
			t.Error("idle timer armed while tool call active")
		}
	})
	onLoop(t, o, func() {
		if o.state.Muted {
			t.Error("session muted during silent tool call")
		}
		if o.state.IdleCycleCount != 0 {
			t.Errorf("idle cycle count = %d, want 0", o.state.IdleCycleCount)
		}
	})
	if n := countCmds(eng, "create_item"); n != 0 {
		t.Errorf("items created during silent call = %d, want 0", n)
	}

	// Once the call concludes, the finish response re-arms the clock.
	close(svc.block)
	waitCmd(t, eng, "create_response") // finish prompt
	eng.events <- engine.Event{Type: engine.EventResponseDone}
	waitLoopState(t, o, func() bool { return o.idleTimer != nil })
}

func TestOrchestrator_OverlappingToolCallDropped(t *testing.T) {
	t.Parallel()

	svc := &fakeServices{block: make(chan struct{})}
	o, eng, _ := startSessionWith(t, svc)
	waitCmd(t, eng, "create_response") // greeting

	eng.events <- engine.Event{Type: engine.EventOutputItemAdded, Item: &engine.ConversationItem{
		ID: "item_1", Type: "function_call", CallID: "call_1", Name: "Search",
	}}
	eng.events <- engine.Event{Type: engine.EventFunctionCallArguments, CallID: "call_1", Arguments: `{"query":"first","silent":true}`}
	waitLoopState(t, o, func() bool { return o.slot.current() != nil })

	eng.events <- engine.Event{Type: engine.EventOutputItemAdded, Item: &engine.ConversationItem{
		ID: "item_2", Type: "function_call", CallID: "call_2", Name: "Expert",
	}}
	eng.events <- engine.Event{Type: engine.EventFunctionCallArguments, CallID: "call_2", Arguments: `{"query":"second","silent":true}`}
	waitLoopState(t, o, func() bool { return len(o.callNames) == 0 })

	if n := svc.calls.Load(); n != 1 {
		t.Fatalf("backend executions with slot held = %d, want 1", n)
	}

	close(svc.block)
	for {
		out := waitCmd(t, eng, "create_item").item
		if out.Type != "function_call_output" {
			continue
		}
		if out.CallID != "call_1" {
			t.Errorf("output call id = %q, want call_1", out.CallID)
		}
		break
	}
	time.Sleep(200 * time.Millisecond)
	if n := svc.calls.Load(); n != 1 {
		t.Errorf("backend executions after unblock = %d, want 1", n)
	}
}

func TestOrchestrator_WorkingPromptRetriesUntilSent(t *testing.T) {
	t.Parallel()

	svc := &fakeServices{block: make(chan struct{})}
	defer close(svc.block)
	o, eng, _ := startSessionWith(t, svc)
	waitCmd(t, eng, "create_response") // greeting

	eng.events <- engine.Event{Type: engine.EventResponseCreated}
	eng.events <- engine.Event{Type: engine.EventOutputItemAdded, Item: &engine.ConversationItem{
		ID: "item_1", Type: "function_call", CallID: "call_1", Name: "Search",
	}}
	eng.events <- engine.Event{Type: engine.EventFunctionCallArguments, CallID: "call_1", Arguments: `{"query":"weather"}`}
	waitLoopState(t, o, func() bool { return o.slot.current() != nil })

	// The working prompt is deferred while a response is in flight.
	if n := countCmds(eng, "create_item"); n != 0 {
		t.Fatalf("prompts dispatched while responding = %d, want 0", n)
	}

	eng.events <- engine.Event{Type: engine.EventResponseDone}

	item := waitCmd(t, eng, "create_item").item
	if item.Role != "system" {
		t.Errorf("working prompt role = %q, want system", item.Role)
	}
	if len(item.Content) == 0 || !strings.Contains(item.Content[0].Text, "working on") {
		t.Errorf("prompt item = %+v, want working announcement", item)
	}
	waitCmd(t, eng, "create_response")

	// The retry loop stops once the prompt goes through.
	time.Sleep(admissionRetryDelay + 200*time.Millisecond)
	if n := countCmds(eng, "create_item"); n != 0 {
		t.Errorf("extra prompts after dispatch = %d, want 0", n)
	}
}

func TestOrchestrator_IdleEscalationMutesSession(t *testing.T) {
	t.Parallel()

	o, eng, client := startSession(t)
	waitCmd(t, eng, "create_response") // greeting

	onLoop(t, o, func() {
		o.state.IdleCycleCount = 2
		o.idleFired(o.idleGen)
	})
	onLoop(t, o, func() {
		if !o.state.Muted {
			t.Error("third idle cycle did not mute the session")
		}
		if o.state.IdleCycleCount != 3 {
			t.Errorf("idle cycle count = %d, want 3", o.state.IdleCycleCount)
		}
	})

	item := waitCmd(t, eng, "create_item").item
	if len(item.Content) == 0 || !strings.Contains(item.Content[0].Text, "no voice output") {
		t.Errorf("prompt item = %+v, want silent re-engagement text", item)
	}

	eng.events <- engine.Event{Type: engine.EventResponseAudioDelta, ItemID: "item_9", Delta: "YmxvYg=="}
	if n := countServerEvents(client, wire.ServerConversationUpdated); n != 0 {
		t.Errorf("audio deltas forwarded while muted = %d, want 0", n)
	}
}
