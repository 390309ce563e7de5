/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/resilience"
)

// Attempt records one adapter's failure during a routing pass.
type Attempt struct {
	Provider string
	Err      error
}

// AllProvidersFailedError reports that every ready adapter in the chain
// failed, with the per-adapter failure trail in layer order.
type AllProvidersFailedError struct {
	Trail []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Trail))
	for i, a := range e.Trail {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// keyRotator is implemented by adapters that support key rotation.
type keyRotator interface {
	RotateKey()
}

// entry pairs an adapter with its breaker under a stable name.
type entry struct {
	name     string
	provider Provider
	breaker  *resilience.Breaker
}

// Registry routes generation calls through a layer-ordered failover chain.
// Each adapter carries its own circuit breaker; open breakers are skipped
// without counting as failures. Rate-limited adapters retry on rotated keys
// up to their key count before the chain moves on.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	log     *zap.Logger

	breakerCfg resilience.BreakerConfig

	// observe, when set, receives the adapter name and latency of every
	// completed call. The metrics package hooks in here.
	observe func(provider string, latency time.Duration, err error)
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger, breakerCfg resilience.BreakerConfig) *Registry {
	return &Registry{log: log, breakerCfg: breakerCfg}
}

// OnCall registers an observation hook for completed adapter calls.
func (r *Registry) OnCall(fn func(provider string, latency time.Duration, err error)) {
	r.mu.Lock()
	r.observe = fn
	r.mu.Unlock()
}

// Register adds an adapter under name. Registration order within a layer is
// preserved; layers are ordered ascending at routing time.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{
		name:     name,
		provider: p,
		breaker:  resilience.NewBreaker(name, r.breakerCfg),
	})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].provider.Layer() < r.entries[j].provider.Layer()
	})
}

// LoadConfigs constructs and registers adapters for every config entry.
// Adapters without keys still register; they report not Ready and routing
// skips them.
func (r *Registry) LoadConfigs(cfgs []Config) error {
	for _, cfg := range cfgs {
		p, err := New(cfg)
		if err != nil {
			return fmt.Errorf("load provider %q: %w", cfg.Name, err)
		}
		r.Register(cfg.Name, p)
	}
	return nil
}

// ModelInfo describes one registered adapter for the /models endpoint.
type ModelInfo struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Layer   int    `json:"layer"`
	Ready   bool   `json:"ready"`
	Breaker string `json:"breaker"`
}

// Models returns the adapter roster in layer order.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ModelInfo{
			Name:    e.name,
			Model:   e.provider.ModelID(),
			Layer:   e.provider.Layer(),
			Ready:   e.provider.Ready(),
			Breaker: e.breaker.State(),
		})
	}
	return out
}

// Get returns the named adapter, or nil.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.name == name {
			return e.provider
		}
	}
	return nil
}

func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// tryAdapter runs one adapter pass under its breaker. A rate-limit error
// rotates the key and retries on the same adapter, at most KeyCount attempts
// total, so every key gets one chance per pass. The whole pass counts as a
// single breaker observation: one failure per exhausted adapter, whatever
// mix of errors the keys produced.
func (r *Registry) tryAdapter(ctx context.Context, e entry, prompt string, opts Options) (*Response, error) {
	var resp *Response
	start := time.Now()
	err := e.breaker.Do(func() error {
		attempts := e.provider.KeyCount()
		if attempts < 1 {
			attempts = 1
		}
		var lastErr error
		for i := 0; i < attempts; i++ {
			var genErr error
			resp, genErr = e.provider.Generate(ctx, prompt, opts)
			if genErr == nil {
				return nil
			}
			lastErr = genErr
			if !IsRateLimit(genErr) {
				break
			}
			if rot, ok := e.provider.(keyRotator); ok && i+1 < attempts {
				rot.RotateKey()
				r.log.Debug("rotated provider key after rate limit",
					zap.String("provider", e.name),
					zap.Int("attempt", i+1))
			}
		}
		return lastErr
	})
	r.mu.RLock()
	obs := r.observe
	r.mu.RUnlock()
	if obs != nil {
		obs(e.name, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Generate routes a call through the failover chain: layer order, skipping
// adapters that are not ready or whose breaker is open. Returns the first
// success, or AllProvidersFailedError with the full trail.
func (r *Registry) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	var trail []Attempt
	for _, e := range r.snapshot() {
		if !e.provider.Ready() {
			continue
		}
		if e.breaker.Open() {
			r.log.Debug("skipping provider with open breaker", zap.String("provider", e.name))
			continue
		}
		resp, err := r.tryAdapter(ctx, e, prompt, opts)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("provider failed, trying next layer",
			zap.String("provider", e.name),
			zap.Error(err))
		trail = append(trail, Attempt{Provider: e.name, Err: err})
	}
	return nil, &AllProvidersFailedError{Trail: trail}
}

// GenerateStream routes a streaming call the same way as Generate. The
// stream must be established before an adapter counts as successful; an
// establishment failure falls through to the next layer. Errors after
// establishment arrive in-band on the chunk channel and do not trigger
// failover, since partial output has already been delivered.
func (r *Registry) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	var trail []Attempt
	for _, e := range r.snapshot() {
		if !e.provider.Ready() || e.breaker.Open() {
			continue
		}

		var ch <-chan Chunk
		err := e.breaker.Do(func() error {
			var openErr error
			ch, openErr = e.provider.GenerateStream(ctx, prompt, opts)
			return openErr
		})
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		trail = append(trail, Attempt{Provider: e.name, Err: err})
	}
	return nil, &AllProvidersFailedError{Trail: trail}
}

// BreakerStates reports every adapter's breaker state for health output.
func (r *Registry) BreakerStates() map[string]string {
	out := make(map[string]string)
	for _, e := range r.snapshot() {
		out[e.name] = e.breaker.State()
	}
	return out
}
