// Package backend defines the interface to the gateway's auxiliary backend
// services: search/document retrieval, expert writing, image generation,
// vision analysis, deep reasoning, semantic memory recall, and the persisted
// profile (stored memories plus the voice-style sample).
//
// The services are plain request/response collaborators keyed by the session
// identity and the running conversation; their internal ranking, generation,
// and storage logic is out of the gateway's scope. Implementations must be
// safe for concurrent use.
package backend

import "context"

// Request is the common payload for a backend service call.
type Request struct {
	// ContextID identifies the user/session context on the backend side.
	ContextID string `json:"contextId"`

	// AIName is the agent persona the call is made on behalf of.
	AIName string `json:"aiName"`

	// ChatHistory is the recent conversation, newest last, as plain
	// "role: text" lines.
	ChatHistory []string `json:"chatHistory,omitempty"`

	// Query is the question or task for the service.
	Query string `json:"query"`

	// Attachment is an optional data URL (e.g. a reassembled screenshot)
	// for vision-class calls.
	Attachment string `json:"attachment,omitempty"`
}

// Result is a backend service response.
type Result struct {
	// Text is the service's textual result. May be empty when the call
	// produced nothing relevant.
	Text string `json:"text"`

	// Metadata carries optional service-specific key/value details.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Profile is the persisted per-user context fetched once at connect time.
type Profile struct {
	// SelfMemories are stored first-person memories of the agent.
	SelfMemories []string `json:"selfMemories,omitempty"`

	// UserMemories are stored facts about the user.
	UserMemories []string `json:"userMemories,omitempty"`

	// Directives are standing behavioural instructions.
	Directives []string `json:"directives,omitempty"`

	// VoiceSample is a short style transcript showing how the agent speaks.
	VoiceSample string `json:"voiceSample,omitempty"`
}

// Services is the full backend surface used by the session orchestrator.
type Services interface {
	// Search serves Search and Document tool calls.
	Search(ctx context.Context, req Request) (Result, error)

	// Expert serves Write and Code tool calls.
	Expert(ctx context.Context, req Request) (Result, error)

	// Image serves Image tool calls. The result text may embed image URLs
	// in markdown or HTML form.
	Image(ctx context.Context, req Request) (Result, error)

	// Vision serves PDF, Vision, and Video tool calls.
	Vision(ctx context.Context, req Request) (Result, error)

	// Reason serves Reason tool calls.
	Reason(ctx context.Context, req Request) (Result, error)

	// Recall performs semantic recall over long-term memory for mid-session
	// context injection. An empty result text means nothing relevant.
	Recall(ctx context.Context, req Request) (Result, error)

	// Profile fetches the persisted memories and voice-style sample used to
	// compose the session instructions.
	Profile(ctx context.Context, contextID, aiName string) (Profile, error)
}

// Generator is the generation-only subset of [Services]. It exists so that
// deployments can route Write/Code and Reason calls straight to an LLM while
// retrieval calls go to the REST sidecar.
type Generator interface {
	Expert(ctx context.Context, req Request) (Result, error)
	Reason(ctx context.Context, req Request) (Result, error)
}

// WithGenerator returns a [Services] whose Expert and Reason calls are served
// by gen while everything else delegates to base.
func WithGenerator(base Services, gen Generator) Services {
	return &withGenerator{Services: base, gen: gen}
}

type withGenerator struct {
	Services
	gen Generator
}

func (w *withGenerator) Expert(ctx context.Context, req Request) (Result, error) {
	return w.gen.Expert(ctx, req)
}

func (w *withGenerator) Reason(ctx context.Context, req Request) (Result, error) {
	return w.gen.Reason(ctx, req)
}

// RecallFunc serves a single Recall call.
type RecallFunc func(ctx context.Context, req Request) (Result, error)

// WithRecall returns a [Services] whose Recall calls are served by fn while
// everything else delegates to base. It lets deployments back recall with a
// local semantic store instead of the REST sidecar.
func WithRecall(base Services, fn RecallFunc) Services {
	return &withRecall{Services: base, fn: fn}
}

type withRecall struct {
	Services
	fn RecallFunc
}

func (w *withRecall) Recall(ctx context.Context, req Request) (Result, error) {
	return w.fn(ctx, req)
}
