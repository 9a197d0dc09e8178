// Package llm provides a [backend.Generator] that serves expert (Write/Code)
// and reasoning (Reason) calls directly from an LLM via
// github.com/mozilla-ai/any-llm-go, instead of the REST sidecar.
//
// Providers supported follow any-llm-go: "openai", "anthropic", "gemini",
// "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile".
package llm

import (
	"context"
	"fmt"
	"strings"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxgate/voxgate/pkg/backend"
)

// Compile-time interface assertion.
var _ backend.Generator = (*Generator)(nil)

const (
	expertSystem = "You are a careful domain expert. Produce the requested " +
		"text or code directly, without meta commentary. Answer in the " +
		"language of the request."

	reasonSystem = "Think through the problem step by step, then give a " +
		"clear conclusion. Keep the visible answer compact; do not show " +
		"raw scratch work."
)

// Generator answers expert and reasoning requests with a single LLM
// completion each.
type Generator struct {
	provider anyllm.Provider
	model    string
}

// New creates a Generator for the named any-llm provider and model.
// opts are any-llm options such as anyllm.WithAPIKey; when no key option is
// given the provider falls back to its environment variable.
func New(providerName, model string, opts ...anyllm.Option) (*Generator, error) {
	if model == "" {
		return nil, fmt.Errorf("backend llm: model must not be empty")
	}

	var (
		p   anyllm.Provider
		err error
	)
	switch strings.ToLower(providerName) {
	case "openai":
		p, err = anyllmoai.New(opts...)
	case "anthropic":
		p, err = anthropic.New(opts...)
	case "gemini":
		p, err = gemini.New(opts...)
	case "ollama":
		p, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("backend llm: unsupported provider %q (supported: openai, anthropic, gemini, ollama)", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("backend llm: create %q provider: %w", providerName, err)
	}

	return &Generator{provider: p, model: model}, nil
}

// Expert implements [backend.Generator].
func (g *Generator) Expert(ctx context.Context, req backend.Request) (backend.Result, error) {
	return g.complete(ctx, expertSystem, req)
}

// Reason implements [backend.Generator].
func (g *Generator) Reason(ctx context.Context, req backend.Request) (backend.Result, error) {
	return g.complete(ctx, reasonSystem, req)
}

func (g *Generator) complete(ctx context.Context, system string, req backend.Request) (backend.Result, error) {
	messages := []anyllm.Message{
		{Role: anyllm.RoleSystem, Content: system},
	}
	if len(req.ChatHistory) > 0 {
		messages = append(messages, anyllm.Message{
			Role:    anyllm.RoleSystem,
			Content: "Recent conversation:\n" + strings.Join(req.ChatHistory, "\n"),
		})
	}
	messages = append(messages, anyllm.Message{Role: anyllm.RoleUser, Content: req.Query})

	resp, err := g.provider.Completion(ctx, anyllm.CompletionParams{
		Model:    g.model,
		Messages: messages,
	})
	if err != nil {
		return backend.Result{}, fmt.Errorf("backend llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return backend.Result{}, fmt.Errorf("backend llm: empty choices in response")
	}

	return backend.Result{
		Text:     resp.Choices[0].Message.ContentString(),
		Metadata: map[string]string{"model": g.model},
	}, nil
}
