// Package openai implements the engine.Session interface against an
// OpenAI Realtime-style WebSocket endpoint.
//
// The gateway and the engine exchange JSON events over a single WebSocket:
// commands go out as typed messages (session.update, conversation.item.create,
// response.create, input_audio_buffer.append, ...) and server events come
// back on a receive loop that translates them into [engine.Event] values.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/engine"
)

var _ engine.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Dialer connects gateway sessions to the realtime endpoint.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the realtime model used for new sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// NewDialer creates a Dialer with the given API key and options.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect opens a new realtime session. The returned session is ready to
// accept commands immediately; its event channel yields an
// [engine.EventConnected] once the dial succeeds.
func (d *Dialer) Connect(ctx context.Context) (engine.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan engine.Event, 64),
		ctx:    sessCtx,
		cancel: cancel,
	}

	go s.receiveLoop()

	s.deliver(engine.Event{Type: engine.EventConnected})
	return s, nil
}

// ── Wire message types ─────────────────────────────────────────────────────────

// clientMessage is the superset of all outbound command payloads. Only the
// fields relevant to Type are encoded.
type clientMessage struct {
	Type     string                   `json:"type"`
	Session  *sessionParams           `json:"session,omitempty"`
	Item     *engine.ConversationItem `json:"item,omitempty"`
	ItemID   string                   `json:"item_id,omitempty"`
	Audio    string                   `json:"audio,omitempty"`
	Response *responseParams          `json:"response,omitempty"`
}

type sessionParams struct {
	Instructions      string    `json:"instructions,omitempty"`
	Voice             string    `json:"voice,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type responseParams struct {
	ToolChoice string `json:"tool_choice,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// serverEvent is the superset of inbound event payloads.
type serverEvent struct {
	Type       string                   `json:"type"`
	ItemID     string                   `json:"item_id,omitempty"`
	Delta      string                   `json:"delta,omitempty"`
	Transcript string                   `json:"transcript,omitempty"`
	Item       *engine.ConversationItem `json:"item,omitempty"`
	CallID     string                   `json:"call_id,omitempty"`
	Name       string                   `json:"name,omitempty"`
	Arguments  string                   `json:"arguments,omitempty"`
	Error      *engine.ErrorDetail      `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan engine.Event

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events returns the upstream event stream.
func (s *session) Events() <-chan engine.Event { return s.events }

// receiveLoop reads frames off the WebSocket, translates them into
// engine.Event values, and delivers them in arrival order. It owns the events
// channel: a trailing EventClose is emitted and the channel closed when the
// connection ends.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() {
		s.deliver(engine.Event{Type: engine.EventClose})
		close(s.events)
	})

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if out, ok := translate(&evt); ok {
			s.deliver(out)
		}
	}
}

// translate maps a raw server event onto the engine event surface. Unknown
// event types are dropped.
func translate(evt *serverEvent) (engine.Event, bool) {
	t := engine.EventType(evt.Type)
	switch t {
	case engine.EventResponseCreated,
		engine.EventResponseDone,
		engine.EventResponseAudioDelta,
		engine.EventResponseAudioDone,
		engine.EventResponseTranscriptDelta,
		engine.EventResponseTextDelta,
		engine.EventOutputItemAdded,
		engine.EventOutputItemDone,
		engine.EventItemCreated,
		engine.EventItemDeleted,
		engine.EventItemTruncated,
		engine.EventItemRetrieved,
		engine.EventSpeechStarted,
		engine.EventAudioCommitted,
		engine.EventAudioCancelled:
		return engine.Event{
			Type:   t,
			ItemID: evt.ItemID,
			Delta:  evt.Delta,
			Item:   evt.Item,
		}, true

	case engine.EventTranscriptionCompleted:
		return engine.Event{
			Type:       t,
			ItemID:     evt.ItemID,
			Transcript: evt.Transcript,
		}, true

	case engine.EventFunctionCallArguments:
		return engine.Event{
			Type:      t,
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		}, true

	case engine.EventError:
		detail := evt.Error
		if detail == nil {
			detail = &engine.ErrorDetail{Message: "unknown engine error"}
		}
		return engine.Event{Type: engine.EventError, Err: detail}, true
	}
	return engine.Event{}, false
}

// deliver hands an event to the consumer, giving up if the session context
// is cancelled (teardown in progress).
func (s *session) deliver(evt engine.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// write marshals msg and sends it as a text frame.
func (s *session) write(ctx context.Context, msg clientMessage) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return engine.ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("engine: marshal %s: %w", msg.Type, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("engine: send %s: %w", msg.Type, engine.ErrNotConnected)
	}
	return nil
}

// UpdateSession pushes instructions, voice, and tools via session.update.
func (s *session) UpdateSession(ctx context.Context, cfg engine.SessionConfig) error {
	params := &sessionParams{
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
	}
	return s.write(ctx, clientMessage{Type: "session.update", Session: params})
}

// CreateConversationItem appends item to the engine conversation.
func (s *session) CreateConversationItem(ctx context.Context, item engine.ConversationItem) error {
	return s.write(ctx, clientMessage{Type: "conversation.item.create", Item: &item})
}

// CreateResponse requests a model response with the given tool permission.
func (s *session) CreateResponse(ctx context.Context, choice engine.ToolChoice) error {
	return s.write(ctx, clientMessage{
		Type:     "response.create",
		Response: &responseParams{ToolChoice: string(choice)},
	})
}

// AppendInputAudio forwards a base64 PCM16 chunk upstream.
func (s *session) AppendInputAudio(ctx context.Context, audioB64 string) error {
	return s.write(ctx, clientMessage{Type: "input_audio_buffer.append", Audio: audioB64})
}

// CancelResponse aborts the in-flight model response.
func (s *session) CancelResponse(ctx context.Context) error {
	return s.write(ctx, clientMessage{Type: "response.cancel"})
}

// DeleteConversationItem removes an item from the engine's context.
func (s *session) DeleteConversationItem(ctx context.Context, itemID string) error {
	return s.write(ctx, clientMessage{Type: "conversation.item.delete", ItemID: itemID})
}

// GetItem requests retrieval of a single conversation item.
func (s *session) GetItem(ctx context.Context, itemID string) error {
	return s.write(ctx, clientMessage{Type: "conversation.item.retrieve", ItemID: itemID})
}

// GetConversationItems requests the engine's conversation listing.
func (s *session) GetConversationItems(ctx context.Context) error {
	return s.write(ctx, clientMessage{Type: "conversation.item.list"})
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
