// Package memory defines the long-term conversation memory used by the
// gateway: a persistent transcript log plus semantic recall over it.
//
// Every user utterance and AI reply is recorded as a [TranscriptEntry]
// keyed by the backend context it belongs to. Recall finds entries
// relevant to what the user just said, combining vector similarity with
// fuzzy string ranking so a store without embeddings still degrades to
// useful results.
//
// All implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Conversation roles recorded in the transcript log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptEntry is one persisted line of conversation.
type TranscriptEntry struct {
	// ContextID identifies the user/session context the line belongs to.
	ContextID string

	// AIName is the agent persona active when the line was recorded.
	AIName string

	// Role is RoleUser or RoleAssistant.
	Role string

	// Text is the spoken or typed content.
	Text string

	// Timestamp is when the line was recorded.
	Timestamp time.Time
}

// RecallResult pairs a recalled entry with its relevance score. Higher
// scores are more relevant.
type RecallResult struct {
	Entry TranscriptEntry

	// Score blends vector similarity and fuzzy string match into [0, 1].
	Score float64
}

// Store is the persistent memory backend.
type Store interface {
	// Record appends one transcript line.
	Record(ctx context.Context, contextID, aiName, role, text string) error

	// Recall returns up to limit entries relevant to query within the
	// given context, most relevant first.
	Recall(ctx context.Context, contextID, query string, limit int) ([]RecallResult, error)

	// Recent returns the context's entries from the last d, oldest first.
	Recent(ctx context.Context, contextID string, d time.Duration) ([]TranscriptEntry, error)

	// Close releases the store's resources.
	Close()
}
