// Package engine defines the Session interface to the upstream realtime
// conversation engine and the typed event stream it produces.
//
// The upstream engine is a speech-capable model service reached over a
// bidirectional WebSocket: the gateway pushes audio, conversation items, and
// response requests upstream, and receives audio deltas, transcripts, and
// tool-call requests back. This package only specifies the surface the
// gateway needs; the engine's own connection management and model internals
// are the provider's concern.
//
// Events are delivered as [Event] values on a single channel so that the
// session orchestrator can consume them in arrival order from one serialised
// handler loop. Implementations must close the events channel when the
// underlying connection ends.
package engine

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by command methods when the underlying engine
// connection is closed. The gateway treats it as unrecoverable for the
// owning session.
var ErrNotConnected = errors.New("engine: not connected")

// EventType identifies an upstream engine event.
type EventType string

// Upstream event types, mirroring the engine's wire protocol.
const (
	EventConnected               EventType = "connected"
	EventResponseCreated         EventType = "response.created"
	EventResponseDone            EventType = "response.done"
	EventResponseAudioDelta      EventType = "response.audio.delta"
	EventResponseAudioDone       EventType = "response.audio.done"
	EventResponseTranscriptDelta EventType = "response.audio_transcript.delta"
	EventResponseTextDelta       EventType = "response.text.delta"
	EventOutputItemAdded         EventType = "response.output_item.added"
	EventOutputItemDone          EventType = "response.output_item.done"
	EventFunctionCallArguments   EventType = "response.function_call_arguments.done"
	EventItemCreated             EventType = "conversation.item.created"
	EventItemDeleted             EventType = "conversation.item.deleted"
	EventItemTruncated           EventType = "conversation.item.truncated"
	EventItemRetrieved           EventType = "conversation.item.retrieved"
	EventTranscriptionCompleted  EventType = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted           EventType = "input_audio_buffer.speech_started"
	EventAudioCommitted          EventType = "input_audio_buffer.committed"
	EventAudioCancelled          EventType = "input_audio_buffer.cancelled"
	EventError                   EventType = "error"
	EventClose                   EventType = "close"
)

// ContentPart is one piece of a conversation item's content.
type ContentPart struct {
	// Type is the part kind: "input_text", "text", "input_audio", or "audio".
	Type string `json:"type"`

	// Text holds the textual content for text parts, or the transcript for
	// audio parts when the engine has transcribed them.
	Text string `json:"text,omitempty"`

	// Transcript is the engine-produced transcript of an audio part.
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is one entry in the engine's conversation context.
type ConversationItem struct {
	// ID is the engine-assigned item identifier.
	ID string `json:"id,omitempty"`

	// Type is "message", "function_call", or "function_call_output".
	Type string `json:"type"`

	// Role is "system", "user", or "assistant" for message items.
	Role string `json:"role,omitempty"`

	// Content holds the message parts for message items.
	Content []ContentPart `json:"content,omitempty"`

	// CallID ties function_call and function_call_output items together.
	CallID string `json:"call_id,omitempty"`

	// Name is the function name for function_call items.
	Name string `json:"name,omitempty"`

	// Arguments is the JSON-encoded argument string for function_call items.
	Arguments string `json:"arguments,omitempty"`

	// Output is the result payload for function_call_output items.
	Output string `json:"output,omitempty"`
}

// HasAudio reports whether the item carries audio content in either
// direction. Items for which this is true count against the gateway's
// audio retention window.
func (it ConversationItem) HasAudio() bool {
	for _, p := range it.Content {
		if p.Type == "audio" || p.Type == "input_audio" {
			return true
		}
	}
	return false
}

// ErrorDetail carries the engine's error payload for [EventError] events.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is a single upstream engine event. Only the fields relevant to the
// event's Type are populated.
type Event struct {
	Type EventType

	// ItemID identifies the conversation item for delta, deletion,
	// truncation, and transcription events.
	ItemID string

	// Delta carries the incremental payload for audio (base64 PCM16),
	// transcript, and text delta events.
	Delta string

	// Transcript is the completed user transcription for
	// [EventTranscriptionCompleted].
	Transcript string

	// Item is the conversation item for item-created and output-item events.
	Item *ConversationItem

	// CallID, Name, and Arguments describe a finalised function call for
	// [EventFunctionCallArguments].
	CallID    string
	Name      string
	Arguments string

	// Err holds the engine error for [EventError] events.
	Err *ErrorDetail
}

// SessionConfig is the engine-side session configuration pushed via
// [Session.UpdateSession].
type SessionConfig struct {
	// Instructions is the full system prompt for the conversation.
	Instructions string

	// Voice selects the synthesised voice for spoken output.
	Voice string

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition
}

// ToolDefinition describes one tool offered to the engine's model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice controls whether the engine may invoke tools while generating
// a requested response.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceNone forbids tool calls for this response.
	ToolChoiceNone ToolChoice = "none"
)

// Session is an open conversation session with the upstream engine.
//
// Command methods must return quickly; they enqueue protocol messages on the
// underlying connection and do not wait for the engine to act on them. A
// command issued against a closed session returns [ErrNotConnected] (possibly
// wrapped) — callers treat that as fatal to the owning gateway session.
//
// All methods are safe for concurrent use. Events is owned by the session's
// receive loop and is closed when the connection ends for any reason.
type Session interface {
	// Events returns the ordered stream of upstream events.
	Events() <-chan Event

	// UpdateSession pushes new session configuration (instructions, voice,
	// tools) to the engine.
	UpdateSession(ctx context.Context, cfg SessionConfig) error

	// CreateConversationItem appends an item to the engine's conversation.
	CreateConversationItem(ctx context.Context, item ConversationItem) error

	// CreateResponse asks the engine to generate a model response with the
	// given tool permission.
	CreateResponse(ctx context.Context, choice ToolChoice) error

	// AppendInputAudio forwards a base64-encoded PCM16 chunk of user audio.
	AppendInputAudio(ctx context.Context, audioB64 string) error

	// CancelResponse aborts the engine's in-flight response, if any.
	CancelResponse(ctx context.Context) error

	// DeleteConversationItem removes the item with the given id from the
	// engine's context. An error means the item must still be assumed present
	// upstream.
	DeleteConversationItem(ctx context.Context, itemID string) error

	// GetItem requests retrieval of a single conversation item. The engine
	// answers with an [EventItemRetrieved] event.
	GetItem(ctx context.Context, itemID string) error

	// GetConversationItems requests the engine's current conversation
	// listing. Results arrive as [EventItemRetrieved] events.
	GetConversationItems(ctx context.Context) error

	// Close terminates the session and releases the connection. Safe to call
	// multiple times.
	Close() error
}
