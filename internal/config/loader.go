package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidGeneratorProviders lists the chat-completion providers the backend
// generator can be wired to. Used by [Validate] to warn about
// unrecognised provider names.
var ValidGeneratorProviders = []string{"openai", "anthropic", "gemini", "ollama"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Engine
	if cfg.Engine.APIKey == "" {
		errs = append(errs, errors.New("engine.api_key is required"))
	}

	// Backends
	if cfg.Backends.REST.BaseURL == "" && cfg.Backends.Generator == nil {
		slog.Warn("no backends configured; tool calls will fail at execution time")
	}
	if cfg.Backends.REST.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("backends.rest.timeout_seconds %d must not be negative", cfg.Backends.REST.TimeoutSeconds))
	}
	if gen := cfg.Backends.Generator; gen != nil {
		if gen.Provider == "" {
			errs = append(errs, errors.New("backends.generator.provider is required when the generator block is present"))
		} else if !slices.Contains(ValidGeneratorProviders, gen.Provider) {
			slog.Warn("unknown generator provider — may be a typo",
				"provider", gen.Provider,
				"known", ValidGeneratorProviders,
			)
		}
		if gen.Model == "" {
			errs = append(errs, errors.New("backends.generator.model is required when the generator block is present"))
		}
	}

	// Memory ↔ embeddings
	if cfg.Memory.PostgresDSN != "" {
		if cfg.Embeddings.APIKey == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is set but embeddings.api_key is empty; the semantic index needs an embeddings provider"))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			slog.Warn("memory.embedding_dimensions is not set; defaulting to the embedding model's native dimension")
		}
	} else {
		slog.Warn("memory.postgres_dsn is empty; transcripts will not be persisted locally")
	}

	return errors.Join(errs...)
}
