package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/engine"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/backend"
)

const (
	// backendTimeout bounds the connect-time profile fetch and mid-session
	// recall calls.
	backendTimeout = 15 * time.Second

	// historyLimit caps the rolling transcript kept for backend requests.
	historyLimit = 20

	// mailboxSize and sendQueueSize bound the loop's re-entry queue and
	// the ordered upstream write queue.
	mailboxSize   = 64
	sendQueueSize = 256
)

// Client is the downstream side of a session: the gateway's connection to
// the browser. Send must be safe for concurrent use.
type Client interface {
	Send(ctx context.Context, ev wire.ServerEvent) error
}

// Recorder persists conversation transcript lines for long-term memory.
// Implementations must tolerate concurrent calls.
type Recorder interface {
	Record(ctx context.Context, contextID, aiName, role, text string) error
}

// Orchestrator owns one session end to end. It consumes the engine's event
// stream and the client's delivered events on a single loop; every state
// mutation happens there. Upstream writes go through an ordered send queue
// so command order is preserved without blocking the loop.
type Orchestrator struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	id       Identity
	engine   engine.Session
	client   Client
	services backend.Services
	recorder Recorder

	scheduler *IdleScheduler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mailbox chan func()
	sends   chan sendOp

	// Everything below is owned by the run loop.
	state     State
	window    *Window
	slot      callSlot
	callNames map[string]string
	history   []string

	assistantLine strings.Builder

	idleGen   int
	idleTimer *time.Timer

	fillerGen       int
	fillerTimer     *time.Timer
	fillerMaybeSent bool

	pendingScreenshot *screenshotCapture

	closeOnce sync.Once
}

type sendOp struct {
	name string
	fn   func(ctx context.Context) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder sets the transcript recorder for long-term memory.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// NewOrchestrator wires a session from its collaborators. Run must be
// called to start it.
func NewOrchestrator(id Identity, eng engine.Session, client Client, services backend.Services, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		log:       slog.Default(),
		id:        id,
		engine:    eng,
		client:    client,
		services:  services,
		scheduler: NewIdleScheduler(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		mailbox:   make(chan func(), mailboxSize),
		sends:     make(chan sendOp, sendQueueSize),
		window:    NewWindow(),
		callNames: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.log = o.log.With("user_id", id.UserID, "ai_name", id.AIName)
	return o
}

// Run executes the session until the parent context ends, the client
// completes the conversation, or the upstream connection is lost. It
// always leaves timers stopped and the engine session closed.
func (o *Orchestrator) Run(parent context.Context) error {
	defer close(o.done)
	defer o.teardown()

	go func() {
		select {
		case <-parent.Done():
			o.cancel()
		case <-o.ctx.Done():
		}
	}()
	go o.sendLoop()

	o.metrics.SessionStarted(o.ctx)
	defer o.metrics.SessionEnded(o.ctx)

	if err := o.setUp(); err != nil {
		o.emit(wire.ServerEvent{Type: wire.ServerError, Message: "session setup failed"})
		return fmt.Errorf("session: setup: %w", err)
	}

	for {
		select {
		case <-o.ctx.Done():
			return nil
		case ev, ok := <-o.engine.Events():
			if !ok {
				o.fatal(errors.New("session: engine event stream closed"))
				return nil
			}
			o.handleEngineEvent(ev)
		case fn := <-o.mailbox:
			fn()
		}
	}
}

// Close tears the session down from outside the loop. It blocks until the
// run loop has exited.
func (o *Orchestrator) Close() {
	o.cancel()
	<-o.done
}

// Deliver hands one client event to the session loop. Events delivered
// after teardown are discarded.
func (o *Orchestrator) Deliver(ev wire.ClientEvent) {
	o.post(func() { o.handleClientEvent(ev) })
}

// post funnels fn onto the run loop. After teardown the function is
// dropped so stragglers cannot mutate a dead session.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.mailbox <- fn:
	case <-o.ctx.Done():
	}
}

// ── upstream send queue ──────────────────────────────────────────────────

func (o *Orchestrator) sendLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case op := <-o.sends:
			if err := op.fn(o.ctx); err != nil {
				o.post(func() { o.handleSendError(op.name, err) })
			}
		}
	}
}

func (o *Orchestrator) send(name string, fn func(ctx context.Context) error) {
	select {
	case o.sends <- sendOp{name: name, fn: fn}:
	case <-o.ctx.Done():
	}
}

// sendAudio enqueues an audio chunk without ever blocking the loop; under
// backpressure the chunk is dropped.
func (o *Orchestrator) sendAudio(audioB64 string) {
	op := sendOp{name: "append_audio", fn: func(ctx context.Context) error {
		return o.engine.AppendInputAudio(ctx, audioB64)
	}}
	select {
	case o.sends <- op:
	default:
		o.log.Warn("dropping audio chunk, upstream send queue full")
	}
}

func (o *Orchestrator) handleSendError(name string, err error) {
	if errors.Is(err, engine.ErrNotConnected) {
		o.fatal(fmt.Errorf("session: %s: %w", name, err))
		return
	}
	o.log.Warn("upstream send failed", "op", name, "error", err)
}

// fatal handles loss of the upstream connection: the client gets an error
// event and the session ends.
func (o *Orchestrator) fatal(err error) {
	o.log.Error("session unrecoverable", "error", err)
	o.emit(wire.ServerEvent{Type: wire.ServerError, Message: "upstream connection lost"})
	o.cancel()
}

func (o *Orchestrator) teardown() {
	o.closeOnce.Do(func() {
		o.cancel()
		if o.idleTimer != nil {
			o.idleTimer.Stop()
		}
		if o.fillerTimer != nil {
			o.fillerTimer.Stop()
		}
		if err := o.engine.Close(); err != nil {
			o.log.Debug("engine close", "error", err)
		}
		o.log.Info("session closed")
	})
}

// emit pushes one event to the client, best effort.
func (o *Orchestrator) emit(ev wire.ServerEvent) {
	if err := o.client.Send(o.ctx, ev); err != nil {
		o.log.Debug("client send failed", "type", ev.Type, "error", err)
	}
}

// ── connect flow ─────────────────────────────────────────────────────────

func (o *Orchestrator) setUp() error {
	profile := o.fetchProfile()
	cfg := engine.SessionConfig{
		Instructions: BuildInstructions(o.id, profile, time.Now()),
		Voice:        o.id.Voice,
		Tools:        toolDefinitions(),
	}
	ctx, cancel := context.WithTimeout(o.ctx, backendTimeout)
	defer cancel()
	if err := o.engine.UpdateSession(ctx, cfg); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	o.emit(wire.ServerEvent{Type: wire.ServerReady})
	o.submitPrompt(prompt{
		kind:       PromptOpening,
		text:       greetingPrompt(o.id),
		disposable: false,
		allowTools: true,
	})
	o.armIdle()
	o.log.Info("session ready", "voice", o.id.Voice, "language", o.id.Language)
	return nil
}

func (o *Orchestrator) fetchProfile() backend.Profile {
	ctx, cancel := context.WithTimeout(o.ctx, backendTimeout)
	defer cancel()
	profile, err := o.services.Profile(ctx, o.id.ContextID(), o.id.AIName)
	if err != nil {
		o.log.Warn("profile fetch failed, starting without memories", "error", err)
		return backend.Profile{}
	}
	return profile
}

// ── prompt admission ─────────────────────────────────────────────────────

// submitPrompt evaluates admission for p and dispatches it when allowed.
// Non-disposable prompts re-enter the loop every admissionRetryDelay until
// they go through. Reports whether the prompt was dispatched now.
func (o *Orchestrator) submitPrompt(p prompt) bool {
	decision := Admit(o.state.admission(), p.kind, p.disposable, time.Now())
	o.metrics.PromptDecision(o.ctx, p.kind.String(), decision.String())
	switch decision {
	case SendNow:
		o.dispatchPrompt(p)
		return true
	case Retry:
		time.AfterFunc(admissionRetryDelay, func() {
			o.post(func() { o.submitPrompt(p) })
		})
	case Drop:
		o.log.Debug("prompt dropped", "kind", p.kind.String())
	}
	return false
}

func (o *Orchestrator) dispatchPrompt(p prompt) {
	item := engine.ConversationItem{
		Type: "message",
		Role: "system",
		Content: []engine.ContentPart{
			{Type: "input_text", Text: p.text},
		},
	}
	choice := engine.ToolChoiceNone
	if p.allowTools {
		choice = engine.ToolChoiceAuto
	}
	o.send("prompt", func(ctx context.Context) error {
		if err := o.engine.CreateConversationItem(ctx, item); err != nil {
			return err
		}
		return o.engine.CreateResponse(ctx, choice)
	})
}

// injectContext records recalled memory as a system message without
// triggering a response.
func (o *Orchestrator) injectContext(text string) {
	item := engine.ConversationItem{
		Type: "message",
		Role: "system",
		Content: []engine.ContentPart{
			{Type: "input_text", Text: memoryContextPrompt(text)},
		},
	}
	o.send("context_item", func(ctx context.Context) error {
		return o.engine.CreateConversationItem(ctx, item)
	})
}

// ── idle scheduling ──────────────────────────────────────────────────────

func (o *Orchestrator) armIdle() {
	// A running tool call suspends idle scheduling; the finish prompt's
	// response.done re-arms it once the slot is free.
	if o.slot.current() != nil {
		return
	}
	o.cancelIdle()
	gen := o.idleGen
	timeout := o.scheduler.NextTimeout(o.state.IdleCycleCount)
	o.idleTimer = time.AfterFunc(timeout, func() {
		o.post(func() { o.idleFired(gen) })
	})
}

func (o *Orchestrator) cancelIdle() {
	o.idleGen++
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
}

func (o *Orchestrator) idleFired(gen int) {
	if gen != o.idleGen {
		return
	}
	if o.scheduler.Muted(o.state.IdleCycleCount) {
		o.state.Muted = true
	}
	sent := o.submitPrompt(prompt{
		kind:       PromptIdle,
		text:       idlePrompt(o.state.Muted),
		disposable: true,
		allowTools: true,
	})
	if sent {
		o.state.IdleCycleCount++
		o.metrics.IdlePrompt(o.ctx, o.state.Muted)
	}
	o.armIdle()
}

// ── retention ────────────────────────────────────────────────────────────

// recordAudioItem tracks an audio-bearing conversation item and evicts
// overflow off-loop.
func (o *Orchestrator) recordAudioItem(id string) {
	o.window.Add(id)
	go func() {
		deleted := o.window.EvictOverflow(o.ctx, o.engine.DeleteConversationItem)
		if len(deleted) > 0 {
			o.metrics.ItemsEvicted(o.ctx, len(deleted))
			o.log.Debug("evicted audio items", "count", len(deleted))
		}
	}()
}

// ── engine events ────────────────────────────────────────────────────────

func (o *Orchestrator) handleEngineEvent(ev engine.Event) {
	o.metrics.EngineEvent(o.ctx, string(ev.Type))
	switch ev.Type {
	case engine.EventConnected:
		// Session config is pushed during setup.

	case engine.EventResponseCreated:
		o.state.Responding = true
		o.cancelIdle()

	case engine.EventResponseDone:
		o.state.Responding = false
		o.flushAssistantLine()
		if !o.state.Playing {
			o.armIdle()
		}

	case engine.EventResponseAudioDelta:
		if o.state.Muted {
			return
		}
		o.state.Playing = true
		o.cancelIdle()
		o.emit(wire.ServerEvent{
			Type:   wire.ServerConversationUpdated,
			ItemID: ev.ItemID,
			Delta:  &wire.Delta{Audio: ev.Delta},
		})

	case engine.EventResponseAudioDone:
		// Playback completion is reported by the client, which owns the
		// audio queue.

	case engine.EventResponseTranscriptDelta:
		o.assistantLine.WriteString(ev.Delta)
		o.emit(wire.ServerEvent{
			Type:   wire.ServerConversationUpdated,
			ItemID: ev.ItemID,
			Delta:  &wire.Delta{Transcript: ev.Delta},
		})

	case engine.EventResponseTextDelta:
		o.assistantLine.WriteString(ev.Delta)
		o.emit(wire.ServerEvent{
			Type:   wire.ServerConversationUpdated,
			ItemID: ev.ItemID,
			Delta:  &wire.Delta{Text: ev.Delta},
		})

	case engine.EventOutputItemAdded, engine.EventOutputItemDone, engine.EventItemCreated:
		o.handleItem(ev.Item)

	case engine.EventItemDeleted:
		o.window.Remove(ev.ItemID)

	case engine.EventItemTruncated:
		o.state.Playing = false
		o.state.Responding = false
		o.state.Muted = true
		o.emit(wire.ServerEvent{Type: wire.ServerConversationInterrupted})

	case engine.EventFunctionCallArguments:
		o.handleToolCall(ev.CallID, ev.Arguments)

	case engine.EventTranscriptionCompleted:
		o.handleUserTranscript(ev.ItemID, ev.Transcript)

	case engine.EventSpeechStarted:
		o.state.Speaking = true
		o.state.Muted = false
		o.cancelIdle()
		if o.state.Playing {
			o.emit(wire.ServerEvent{Type: wire.ServerConversationInterrupted})
			o.send("cancel_response", o.engine.CancelResponse)
		}

	case engine.EventAudioCommitted, engine.EventAudioCancelled:
		o.state.Speaking = false
		o.state.Muted = false
		o.state.IdleCycleCount = 0
		o.armIdle()

	case engine.EventError:
		if ev.Err != nil {
			o.log.Warn("engine error", "code", ev.Err.Code, "message", ev.Err.Message)
		}

	case engine.EventClose:
		o.fatal(errors.New("session: engine connection closed"))
	}
}

func (o *Orchestrator) handleItem(item *engine.ConversationItem) {
	if item == nil {
		return
	}
	if item.Type == "function_call" && item.CallID != "" {
		o.callNames[item.CallID] = item.Name
	}
	if item.HasAudio() {
		o.recordAudioItem(item.ID)
	}
	o.emit(wire.ServerEvent{Type: wire.ServerConversationUpdated, Item: item})
}

func (o *Orchestrator) handleUserTranscript(itemID, transcript string) {
	now := time.Now()
	if !o.state.firstUserMessage {
		// Backdating puts the session past the echo-guard warm-up so the
		// audio-forwarding guard depends only on the responding/playing
		// facets from here on.
		o.state.firstUserMessage = true
		o.state.LastUserMessageAt = now.Add(-echoGuardWindow)
	} else {
		o.state.LastUserMessageAt = now
	}
	o.appendHistory("User", transcript)
	o.recordTranscript("user", transcript)
	o.emit(wire.ServerEvent{
		Type:   wire.ServerConversationUpdated,
		ItemID: itemID,
		Delta:  &wire.Delta{Transcript: transcript},
	})
	o.recallContext(transcript)
}

// recallContext queries long-term memory off-loop and injects any relevant
// context back through the mailbox.
func (o *Orchestrator) recallContext(transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}
	req := backend.Request{
		ContextID:   o.id.ContextID(),
		AIName:      o.id.AIName,
		ChatHistory: o.historySnapshot(),
		Query:       transcript,
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, backendTimeout)
		defer cancel()
		res, err := o.services.Recall(ctx, req)
		if err != nil {
			o.log.Debug("memory recall failed", "error", err)
			return
		}
		if strings.TrimSpace(res.Text) == "" {
			return
		}
		o.post(func() { o.injectContext(res.Text) })
	}()
}

func (o *Orchestrator) flushAssistantLine() {
	line := strings.TrimSpace(o.assistantLine.String())
	o.assistantLine.Reset()
	if line == "" {
		return
	}
	o.appendHistory(o.id.AIName, line)
	o.recordTranscript("assistant", line)
}

func (o *Orchestrator) appendHistory(speaker, text string) {
	o.history = append(o.history, speaker+": "+text)
	if len(o.history) > historyLimit {
		o.history = o.history[len(o.history)-historyLimit:]
	}
}

func (o *Orchestrator) historySnapshot() []string {
	out := make([]string, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) recordTranscript(role, text string) {
	if o.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, backendTimeout)
		defer cancel()
		if err := o.recorder.Record(ctx, o.id.ContextID(), o.id.AIName, role, text); err != nil {
			o.log.Debug("transcript record failed", "error", err)
		}
	}()
}

// ── client events ────────────────────────────────────────────────────────

func (o *Orchestrator) handleClientEvent(ev wire.ClientEvent) {
	switch ev.Type {
	case wire.ClientSendMessage:
		o.handleSendMessage(ev.Text)

	case wire.ClientAppendAudio:
		o.handleAppendAudio(ev.Audio)

	case wire.ClientCancelResponse:
		o.state.Responding = false
		o.state.Playing = false
		o.state.IdleCycleCount = 0
		o.armIdle()
		o.send("cancel_response", o.engine.CancelResponse)

	case wire.ClientAudioPlaybackComplete:
		o.state.Playing = false
		if !o.state.Responding {
			o.armIdle()
		}

	case wire.ClientConversationCompleted:
		o.log.Info("conversation completed by client")
		o.cancel()

	case wire.ClientScreenshotChunk:
		if o.pendingScreenshot != nil {
			o.pendingScreenshot.chunks[ev.Index] = ev.Chunk
		}

	case wire.ClientScreenshotComplete:
		o.finishScreenshot(ev.TotalChunks)

	case wire.ClientScreenshotError:
		o.failScreenshot(ev.Message)

	default:
		o.log.Debug("unknown client event", "type", ev.Type)
	}
}

func (o *Orchestrator) handleSendMessage(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	o.state.LastUserMessageAt = time.Now()
	o.state.firstUserMessage = true
	o.state.IdleCycleCount = 0
	o.cancelIdle()
	o.appendHistory("User", text)
	o.recordTranscript("user", text)

	item := engine.ConversationItem{
		Type: "message",
		Role: "user",
		Content: []engine.ContentPart{
			{Type: "input_text", Text: text},
		},
	}
	o.send("user_message", func(ctx context.Context) error {
		if err := o.engine.CreateConversationItem(ctx, item); err != nil {
			return err
		}
		return o.engine.CreateResponse(ctx, engine.ToolChoiceAuto)
	})
	o.recallContext(text)
}

// handleAppendAudio forwards a microphone chunk upstream only while the AI
// is neither responding nor playing, or while the session is still inside
// the echo-guard window after the user's last message.
func (o *Orchestrator) handleAppendAudio(audioB64 string) {
	if audioB64 == "" {
		return
	}
	quiet := !o.state.Responding && !o.state.Playing
	inWindow := !o.state.LastUserMessageAt.IsZero() &&
		time.Since(o.state.LastUserMessageAt) < echoGuardWindow
	if !quiet && !inWindow {
		return
	}
	o.sendAudio(audioB64)
}

// ── screenshots ──────────────────────────────────────────────────────────

type screenshotResult struct {
	data string
	err  error
}

type screenshotCapture struct {
	chunks map[int]string
	result chan screenshotResult
}

const screenshotTimeout = 10 * time.Second

// captureScreenshot asks the client for a screen capture and waits for the
// reassembled data URL. Called from tool-execution goroutines, never from
// the loop.
func (o *Orchestrator) captureScreenshot(ctx context.Context) (string, error) {
	shot := &screenshotCapture{
		chunks: make(map[int]string),
		result: make(chan screenshotResult, 1),
	}
	o.post(func() {
		if o.pendingScreenshot != nil {
			shot.result <- screenshotResult{err: errors.New("session: screenshot capture already in progress")}
			return
		}
		o.pendingScreenshot = shot
		o.emit(wire.ServerEvent{Type: wire.ServerRequestScreenshot})
	})
	select {
	case r := <-shot.result:
		return r.data, r.err
	case <-time.After(screenshotTimeout):
		o.post(func() {
			if o.pendingScreenshot == shot {
				o.pendingScreenshot = nil
			}
		})
		return "", errors.New("session: screenshot timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) finishScreenshot(totalChunks int) {
	shot := o.pendingScreenshot
	if shot == nil {
		return
	}
	o.pendingScreenshot = nil
	var b strings.Builder
	for i := 0; i < totalChunks; i++ {
		chunk, ok := shot.chunks[i]
		if !ok {
			shot.result <- screenshotResult{err: fmt.Errorf("session: screenshot chunk %d missing", i)}
			return
		}
		b.WriteString(chunk)
	}
	shot.result <- screenshotResult{data: b.String()}
}

func (o *Orchestrator) failScreenshot(message string) {
	shot := o.pendingScreenshot
	if shot == nil {
		return
	}
	o.pendingScreenshot = nil
	shot.result <- screenshotResult{err: fmt.Errorf("session: screenshot failed: %s", message)}
}
