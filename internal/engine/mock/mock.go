// Package mock provides a scriptable in-memory implementation of
// [engine.Session] for orchestrator and gateway tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/internal/engine"
)

var _ engine.Session = (*Session)(nil)

// Command records one command method invocation on the mock session.
type Command struct {
	// Name is the method name: "update_session", "create_item",
	// "create_response", "append_audio", "cancel_response", "delete_item",
	// "get_item", "get_items", "close".
	Name string

	Config engine.SessionConfig
	Item   engine.ConversationItem
	Choice engine.ToolChoice
	Audio  string
	ItemID string
}

// Session is a test double for the upstream engine. Tests push events with
// [Session.Emit] and inspect issued commands with [Session.Commands].
//
// All methods are safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	commands []Command
	closed   bool

	// FailDelete holds item ids whose DeleteConversationItem call should
	// fail. Writable before the session is in use.
	FailDelete map[string]bool

	// Err, when non-nil, is returned by every command method. Used to
	// simulate a dead upstream connection.
	Err error

	events chan engine.Event
}

// NewSession creates a mock session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events:     make(chan engine.Event, 256),
		FailDelete: make(map[string]bool),
	}
}

// Emit delivers an upstream event to the session's consumer.
func (s *Session) Emit(evt engine.Event) {
	s.events <- evt
}

// EmitClose emits a trailing close event and closes the event channel,
// simulating the upstream connection ending.
func (s *Session) EmitClose() {
	s.events <- engine.Event{Type: engine.EventClose}
	close(s.events)
}

// Commands returns a snapshot of all recorded commands.
func (s *Session) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandsNamed returns recorded commands matching name, in order.
func (s *Session) CommandsNamed(name string) []Command {
	var out []Command
	for _, c := range s.Commands() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) record(c Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, c)
	return s.Err
}

// Events implements [engine.Session].
func (s *Session) Events() <-chan engine.Event { return s.events }

// UpdateSession implements [engine.Session].
func (s *Session) UpdateSession(_ context.Context, cfg engine.SessionConfig) error {
	return s.record(Command{Name: "update_session", Config: cfg})
}

// CreateConversationItem implements [engine.Session].
func (s *Session) CreateConversationItem(_ context.Context, item engine.ConversationItem) error {
	return s.record(Command{Name: "create_item", Item: item})
}

// CreateResponse implements [engine.Session].
func (s *Session) CreateResponse(_ context.Context, choice engine.ToolChoice) error {
	return s.record(Command{Name: "create_response", Choice: choice})
}

// AppendInputAudio implements [engine.Session].
func (s *Session) AppendInputAudio(_ context.Context, audioB64 string) error {
	return s.record(Command{Name: "append_audio", Audio: audioB64})
}

// CancelResponse implements [engine.Session].
func (s *Session) CancelResponse(_ context.Context) error {
	return s.record(Command{Name: "cancel_response"})
}

// DeleteConversationItem implements [engine.Session]. Deletion fails for ids
// registered in FailDelete.
func (s *Session) DeleteConversationItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	fail := s.FailDelete[itemID]
	s.mu.Unlock()
	if err := s.record(Command{Name: "delete_item", ItemID: itemID}); err != nil {
		return err
	}
	if fail {
		return engine.ErrNotConnected
	}
	return nil
}

// GetItem implements [engine.Session].
func (s *Session) GetItem(_ context.Context, itemID string) error {
	return s.record(Command{Name: "get_item", ItemID: itemID})
}

// GetConversationItems implements [engine.Session].
func (s *Session) GetConversationItems(_ context.Context) error {
	return s.record(Command{Name: "get_items"})
}

// Close implements [engine.Session]. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
