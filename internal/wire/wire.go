// Package wire defines the JSON event envelopes exchanged between the
// browser client and the gateway over the duplex WebSocket channel.
//
// Both directions use a single envelope struct with a type tag; only the
// fields relevant to a given type are populated. This keeps frame decoding
// to one json.Unmarshal per message on the hot audio path.
package wire

import "github.com/voxgate/voxgate/internal/engine"

// ClientEventType tags an event sent by the browser client.
type ClientEventType string

const (
	ClientSendMessage           ClientEventType = "sendMessage"
	ClientAppendAudio           ClientEventType = "appendAudio"
	ClientCancelResponse        ClientEventType = "cancelResponse"
	ClientConversationCompleted ClientEventType = "conversationCompleted"
	ClientAudioPlaybackComplete ClientEventType = "audioPlaybackComplete"
	ClientScreenshotError       ClientEventType = "screenshotError"
	ClientScreenshotChunk       ClientEventType = "screenshotChunk"
	ClientScreenshotComplete    ClientEventType = "screenshotComplete"
)

// ClientEvent is one frame sent by the client.
type ClientEvent struct {
	Type ClientEventType `json:"type"`

	// Text is the typed message for sendMessage.
	Text string `json:"text,omitempty"`

	// Audio is a base64-encoded PCM16 chunk for appendAudio.
	Audio string `json:"audio,omitempty"`

	// TrackID identifies the finished playback track for
	// audioPlaybackComplete.
	TrackID string `json:"trackId,omitempty"`

	// Chunk and Index carry one screenshot fragment for screenshotChunk.
	Chunk string `json:"chunk,omitempty"`
	Index int    `json:"index,omitempty"`

	// TotalChunks is the fragment count announced by screenshotComplete.
	TotalChunks int `json:"totalChunks,omitempty"`

	// Message is the failure description for screenshotError.
	Message string `json:"message,omitempty"`
}

// ServerEventType tags an event sent by the gateway.
type ServerEventType string

const (
	ServerReady                   ServerEventType = "ready"
	ServerError                   ServerEventType = "error"
	ServerConversationUpdated     ServerEventType = "conversationUpdated"
	ServerConversationInterrupted ServerEventType = "conversationInterrupted"
	ServerImageCreated            ServerEventType = "imageCreated"
	ServerRequestScreenshot       ServerEventType = "requestScreenshot"
)

// Delta carries the incremental payload of a conversationUpdated event.
// Exactly one field is set per event.
type Delta struct {
	// Transcript is an incremental voice-transcript fragment.
	Transcript string `json:"transcript,omitempty"`

	// Text is an incremental text fragment.
	Text string `json:"text,omitempty"`

	// Audio is an incremental base64 PCM16 audio fragment.
	Audio string `json:"audio,omitempty"`
}

// ServerEvent is one frame sent by the gateway.
type ServerEvent struct {
	Type ServerEventType `json:"type"`

	// Message is the error description for error events.
	Message string `json:"message,omitempty"`

	// Item is the conversation item a conversationUpdated event refers to.
	// May be nil for pure delta updates.
	Item *engine.ConversationItem `json:"item,omitempty"`

	// ItemID names the item for delta-only updates.
	ItemID string `json:"itemId,omitempty"`

	// Delta carries the incremental payload for conversationUpdated.
	Delta *Delta `json:"delta,omitempty"`

	// URL is the generated image location for imageCreated.
	URL string `json:"url,omitempty"`
}
