// Package session implements the per-connection conversation state
// machine: prompt admission, idle re-engagement scheduling, the audio
// retention window, tool-call serialization and the orchestrator that
// ties a connected client to the upstream speech engine.
//
// Each session is logically single-threaded. All state mutation happens
// on one event loop; timers and async completions re-enter it through a
// mailbox.
package session

import (
	"sync"
	"time"
)

// State is the mutable per-session record. The facets are independent
// booleans rather than one enum because response generation and audio
// playback are pipelined and legitimately overlap. Only the owning
// orchestrator loop touches it.
type State struct {
	// Responding is true while the engine is generating a response.
	Responding bool
	// Playing is true while the client is playing back AI audio.
	Playing bool
	// Speaking is true while the user is talking.
	Speaking bool
	// Muted suppresses forwarding of AI audio deltas to the client.
	Muted bool

	// LastUserMessageAt is when the user last said or typed something.
	LastUserMessageAt time.Time
	// firstUserMessage tracks whether a user transcription has been seen
	// yet; the first one backdates LastUserMessageAt past the echo-guard
	// window.
	firstUserMessage bool

	// IdleCycleCount counts consecutively dispatched idle prompts since
	// the last genuine user activity.
	IdleCycleCount int
}

func (s *State) admission() AdmissionState {
	return AdmissionState{
		Responding:        s.Responding,
		Playing:           s.Playing,
		Speaking:          s.Speaking,
		LastUserMessageAt: s.LastUserMessageAt,
	}
}

// ToolCall is one in-flight tool invocation.
type ToolCall struct {
	ID     string
	Name   string
	Silent bool

	startedAt time.Time
}

// callSlot is the session's single tool-call slot. A finalized call that
// arrives while another is active is rejected, never queued.
type callSlot struct {
	mu     sync.Mutex
	active *ToolCall
}

// tryAcquire claims the slot for c. It reports false without blocking if
// another call holds it.
func (s *callSlot) tryAcquire(c *ToolCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.active = c
	return true
}

// release frees the slot. Safe to call when already free.
func (s *callSlot) release() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

// current returns the call holding the slot, or nil.
func (s *callSlot) current() *ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// prompt is a system-injected conversational nudge awaiting admission.
type prompt struct {
	kind       PromptKind
	text       string
	disposable bool
	allowTools bool
	// silentResponse requests generation with no voice output. It only
	// affects the prompt wording; callers bake it into text.
	silentResponse bool
}
