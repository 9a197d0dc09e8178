// Package mock provides a canned-answer [backend.Services] implementation
// for orchestrator and coordinator tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/backend"
)

var _ backend.Services = (*Services)(nil)

// Call records one service invocation.
type Call struct {
	// Service is "search", "expert", "image", "vision", "reason", "recall",
	// or "profile".
	Service string
	Req     backend.Request
}

// Services is a test double for the backend surface. Configure the
// per-service Results and Errs maps (keyed by service name as in [Call]) and
// inspect recorded calls with [Services.Calls].
//
// All methods are safe for concurrent use.
type Services struct {
	mu    sync.Mutex
	calls []Call

	// Results maps service name to the canned result.
	Results map[string]backend.Result

	// Errs maps service name to a forced error.
	Errs map[string]error

	// StoredProfile is returned by Profile.
	StoredProfile backend.Profile

	// Block, when non-nil, is closed by the test to release in-flight calls.
	// Lets tests hold a tool call open while asserting overlap behaviour.
	Block chan struct{}
}

// New creates an empty mock with no canned results.
func New() *Services {
	return &Services{
		Results: make(map[string]backend.Result),
		Errs:    make(map[string]error),
	}
}

// Calls returns a snapshot of recorded invocations.
func (s *Services) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the number of recorded invocations of service.
func (s *Services) CallsTo(service string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Service == service {
			n++
		}
	}
	return n
}

func (s *Services) answer(ctx context.Context, service string, req backend.Request) (backend.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Service: service, Req: req})
	block := s.Block
	res := s.Results[service]
	err := s.Errs[service]
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	return res, err
}

// Search implements [backend.Services].
func (s *Services) Search(ctx context.Context, req backend.Request) (backend.Result, error) {
	return s.answer(ctx, "search", req)
}

// Expert implements [backend.Services].
func (s *Services) Expert(ctx context.Context, req backend.Request) (backend.Result, error) {
	return s.answer(ctx, "expert", req)
}

// Image implements [backend.Services].
func (s *Services) Image(ctx context.Context, req backend.Request) (backend.Result, error) {
	return s.answer(ctx, "image", req)
}

// Vision implements [backend.Services].
func (s *Services) Vision(ctx context.Context, req backend.Request) (backend.Result, error) {
	return s.answer(ctx, "vision", req)
}

// Reason implements [backend.Services].
func (s *Services) Reason(ctx context.Context, req backend.Request) (backend.Result, error) {
	return s.answer(ctx, "reason", req)
}

// Recall implements [backend.Services].
func (s *Services) Recall(ctx context.Context, req backend.Request) (backend.Result, error) {
	return s.answer(ctx, "recall", req)
}

// Profile implements [backend.Services].
func (s *Services) Profile(ctx context.Context, contextID, aiName string) (backend.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Service: "profile", Req: backend.Request{ContextID: contextID, AIName: aiName}})
	if err := s.Errs["profile"]; err != nil {
		return backend.Profile{}, err
	}
	return s.StoredProfile, nil
}
