package session

import (
	"context"
	"sync"
)

// windowCap is how many audio-bearing conversation items the upstream
// context keeps. Older items are deleted upstream so their transcript text
// (already persisted) is all that remains.
const windowCap = 8

// Window tracks the ordered IDs of audio-bearing conversation items still
// present in the upstream context. It is safe for concurrent use; eviction
// runs off the session event loop because upstream deletes are network
// calls.
type Window struct {
	mu  sync.Mutex
	ids []string
}

// NewWindow returns an empty retention window.
func NewWindow() *Window {
	return &Window{}
}

// Add records a newly created audio-bearing item. Duplicate IDs are
// ignored.
func (w *Window) Add(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, have := range w.ids {
		if have == id {
			return
		}
	}
	w.ids = append(w.ids, id)
}

// Remove drops an item that was deleted or truncated out of band.
func (w *Window) Remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, have := range w.ids {
		if have == id {
			w.ids = append(w.ids[:i], w.ids[i+1:]...)
			return
		}
	}
}

// Len returns the number of tracked items.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}

// IDs returns a copy of the tracked IDs in insertion order.
func (w *Window) IDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.ids))
	copy(out, w.ids)
	return out
}

// EvictOverflow deletes the oldest items beyond the window cap using del,
// then truncates local tracking to the newest windowCap entries. An item
// whose delete fails is kept in place for another attempt on the next
// overflow, but the final truncation still bounds local growth: an item
// that repeatedly fails to delete eventually falls off the local list and
// is leaked upstream rather than retried forever.
//
// It returns the IDs that were successfully deleted. Callers should not
// invoke this from the session event loop.
func (w *Window) EvictOverflow(ctx context.Context, del func(ctx context.Context, id string) error) []string {
	w.mu.Lock()
	excess := len(w.ids) - windowCap
	if excess <= 0 {
		w.mu.Unlock()
		return nil
	}
	candidates := make([]string, excess)
	copy(candidates, w.ids[:excess])
	w.mu.Unlock()

	var deleted []string
	for _, id := range candidates {
		if err := del(ctx, id); err != nil {
			continue
		}
		deleted = append(deleted, id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range deleted {
		for i, have := range w.ids {
			if have == id {
				w.ids = append(w.ids[:i], w.ids[i+1:]...)
				break
			}
		}
	}
	if len(w.ids) > windowCap {
		w.ids = append([]string(nil), w.ids[len(w.ids)-windowCap:]...)
	}
	return deleted
}
