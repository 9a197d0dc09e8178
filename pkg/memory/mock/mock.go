// Package mock provides an in-memory [memory.Store] for tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is an in-memory memory.Store. Recall matches on simple substring
// containment rather than vectors, which is enough for wiring tests. The
// zero value is ready to use.
type Store struct {
	mu      sync.Mutex
	entries []memory.TranscriptEntry

	// RecordErr and RecallErr, when set, are returned by the
	// corresponding methods to simulate storage failures.
	RecordErr error
	RecallErr error
}

func New() *Store { return &Store{} }

func (s *Store) Record(_ context.Context, contextID, aiName, role, text string) error {
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, memory.TranscriptEntry{
		ContextID: contextID,
		AIName:    aiName,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *Store) Recall(_ context.Context, contextID, query string, limit int) ([]memory.RecallResult, error) {
	if s.RecallErr != nil {
		return nil, s.RecallErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []memory.RecallResult
	for _, e := range s.entries {
		if e.ContextID != contextID {
			continue
		}
		if !containsAnyWord(e.Text, query) {
			continue
		}
		results = append(results, memory.RecallResult{Entry: e, Score: 1})
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results, nil
}

func (s *Store) Recent(_ context.Context, contextID string, d time.Duration) ([]memory.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-d)
	var out []memory.TranscriptEntry
	for _, e := range s.entries {
		if e.ContextID == contextID && e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Close() {}

// Entries returns a copy of everything recorded so far.
func (s *Store) Entries() []memory.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.TranscriptEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func containsAnyWord(text, query string) bool {
	lower := strings.ToLower(text)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
