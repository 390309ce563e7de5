/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package provider defines the LLM provider abstraction and implementations.
// Each adapter translates the SOS generation interface to one external
// provider API (Anthropic, OpenAI-compatible, Ollama). The Registry layers
// adapters into a failover chain with per-adapter circuit breakers and
// per-key rotation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Options tunes a single generation call.
type Options struct {
	// Model overrides the adapter's default model ID.
	Model string

	// System is the system-level instruction.
	System string

	// MaxTokens is the maximum output tokens (0 = adapter default).
	MaxTokens int

	// Temperature in [0, 2]; 0 means provider default.
	Temperature float64
}

// Response is the output of a generation call.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the concrete model that produced the response.
	Model string

	// InputTokens / OutputTokens report token consumption when known.
	InputTokens  int64
	OutputTokens int64
}

// Chunk is one element of a streaming response. A terminal failure
// mid-stream arrives as an in-band chunk with Err set, then the channel
// closes; chunks already emitted are never replayed.
type Chunk struct {
	Content string
	Err     error
	Done    bool
}

// Provider is the interface for LLM backends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// ModelID returns the default model identifier.
	ModelID() string

	// Layer returns the failover priority (1 = primary).
	Layer() int

	// Ready reports whether the adapter has at least one usable key.
	Ready() bool

	// KeyCount returns the number of rotatable API keys.
	KeyCount() int

	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)

	// GenerateStream opens a streaming completion. The returned channel is
	// only non-nil when the stream was established; establishment failures
	// are returned as an error.
	GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)
}

// ErrorClass partitions provider failures for routing decisions.
type ErrorClass int

const (
	// ClassTransient covers network and 5xx errors.
	ClassTransient ErrorClass = iota

	// ClassRateLimit covers 429-style per-key limits; key rotation may help.
	ClassRateLimit

	// ClassFatal covers malformed requests and auth failures.
	ClassFatal
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Class    ErrorClass
	Status   int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is a rate-limit-class provider error.
func IsRateLimit(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Class == ClassRateLimit
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ClassRateLimit
	case status >= 500:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// keyRing rotates through a set of API keys. One provider's per-key rate
// limit is often invisible to its other keys.
type keyRing struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

func newKeyRing(env string) *keyRing {
	r := &keyRing{}
	if env == "" {
		return r
	}
	for _, k := range strings.Split(os.Getenv(env), ",") {
		if k = strings.TrimSpace(k); k != "" {
			r.keys = append(r.keys, k)
		}
	}
	return r
}

func (r *keyRing) size() int { return len(r.keys) }

func (r *keyRing) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	return r.keys[r.idx]
}

// rotate advances to the next key and returns it.
func (r *keyRing) rotate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	r.idx = (r.idx + 1) % len(r.keys)
	return r.keys[r.idx]
}

// Config declares one adapter instance. Entries come from the models YAML
// file or from DefaultConfigs.
type Config struct {
	// Type is "anthropic", "openai", or "ollama".
	Type string `json:"type" yaml:"type"`

	// Name labels the adapter in logs, metrics, and breakers.
	Name string `json:"name" yaml:"name"`

	// Model is the default model ID.
	Model string `json:"model" yaml:"model"`

	// Layer is the failover priority (1 = primary).
	Layer int `json:"layer" yaml:"layer"`

	// BaseURL overrides the API endpoint (OpenAI-compatible proxies, OpenRouter).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// KeyEnv names the environment variable holding the API key(s),
	// comma-separated for rotation.
	KeyEnv string `json:"key_env,omitempty" yaml:"key_env,omitempty"`

	// TimeoutSeconds is the per-request timeout (default 30).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// MaxTokens is the default output budget (default 4096).
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// DefaultConfigs returns the v1 adapter roster: the primary preview model,
// a long-context model, a frontier model, the free-tier fallback, and the
// local-model shim.
func DefaultConfigs() []Config {
	return []Config{
		{Type: "anthropic", Name: "anthropic-preview", Model: "claude-sonnet-4-20250514", Layer: 1, KeyEnv: "ANTHROPIC_API_KEY"},
		{Type: "anthropic", Name: "anthropic-long", Model: "claude-3-5-haiku-20241022", Layer: 2, KeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 8192},
		{Type: "openai", Name: "openai-frontier", Model: "gpt-4o", Layer: 2, KeyEnv: "OPENAI_API_KEY"},
		{Type: "openai", Name: "openrouter-free", Model: "meta-llama/llama-3.1-8b-instruct:free", Layer: 3, KeyEnv: "OPENROUTER_API_KEY", BaseURL: "https://openrouter.ai/api/v1"},
		{Type: "ollama", Name: "ollama-local", Model: "llama3.1", Layer: 4},
	}
}

// New creates an adapter from config.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %q", cfg.Type)
	}
}
