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
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/resilience"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop(), resilience.BreakerConfig{
		FailureThreshold: 2,
		OpenDuration:     time.Hour,
	})
}

func rateLimitErr(name string) error {
	return &Error{Provider: name, Class: ClassRateLimit, Status: 429, Err: errors.New("rate limited")}
}

func transientErr(name string) error {
	return &Error{Provider: name, Class: ClassTransient, Status: 500, Err: errors.New("upstream error")}
}

func TestGenerateUsesFirstLayer(t *testing.T) {
	r := testRegistry(t)
	primary := &Mock{Name: "primary", Model: "m1", Tier: 1, Reply: "from primary"}
	fallback := &Mock{Name: "fallback", Model: "m2", Tier: 2, Reply: "from fallback"}
	r.Register("primary", primary)
	r.Register("fallback", fallback)

	resp, err := r.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("want primary, got %q", resp.Content)
	}
	if fallback.Calls() != 0 {
		t.Fatal("fallback should not be called when the primary succeeds")
	}
}

func TestGenerateFallsThroughLayers(t *testing.T) {
	r := testRegistry(t)
	primary := &Mock{Tier: 1, Errs: []error{transientErr("primary")}}
	fallback := &Mock{Tier: 2, Reply: "fallback wins"}
	r.Register("primary", primary)
	r.Register("fallback", fallback)

	resp, err := r.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "fallback wins" {
		t.Fatalf("want fallback, got %q", resp.Content)
	}
}

func TestGenerateSkipsNotReady(t *testing.T) {
	r := testRegistry(t)
	dead := &Mock{Tier: 1, NotReady: true}
	live := &Mock{Tier: 2, Reply: "alive"}
	r.Register("dead", dead)
	r.Register("live", live)

	resp, err := r.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "alive" || dead.Calls() != 0 {
		t.Fatal("not-ready adapter must be skipped without a call")
	}
}

func TestGenerateRotatesKeysOnRateLimit(t *testing.T) {
	r := testRegistry(t)
	// Three keys: two rate-limited attempts, third key succeeds.
	p := &Mock{Tier: 1, Keys: 3, Reply: "third key", Errs: []error{
		rateLimitErr("p"), rateLimitErr("p"), nil,
	}}
	r.Register("p", p)

	resp, err := r.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "third key" {
		t.Fatalf("unexpected response %q", resp.Content)
	}
	if p.Calls() != 3 || p.Rotations() != 2 {
		t.Fatalf("want 3 calls and 2 rotations, got %d/%d", p.Calls(), p.Rotations())
	}
}

func TestGenerateRateLimitExhaustionCountsOneBreakerFailure(t *testing.T) {
	r := testRegistry(t)
	p := &Mock{Tier: 1, Keys: 3, Errs: []error{
		rateLimitErr("p"), rateLimitErr("p"), rateLimitErr("p"),
	}}
	fallback := &Mock{Tier: 2, Reply: "fallback"}
	r.Register("p", p)
	r.Register("fallback", fallback)

	resp, err := r.Generate(context.Background(), "hi", Options{})
	if err != nil || resp.Content != "fallback" {
		t.Fatalf("want fallback success, got %v / %v", resp, err)
	}
	// All three keys were tried, then the chain moved on.
	if p.Calls() != 3 {
		t.Fatalf("want 3 key attempts, got %d", p.Calls())
	}
	// Exhausting the keys is one breaker failure, not three: the breaker
	// (threshold 2) must still be closed after a single pass.
	if states := r.BreakerStates(); states["p"] != "closed" {
		t.Fatalf("breaker should see one failure per pass, got state %s", states["p"])
	}
}

func TestGenerateSkipsOpenBreaker(t *testing.T) {
	r := testRegistry(t)
	flaky := &Mock{Tier: 1, Errs: []error{
		transientErr("flaky"), transientErr("flaky"), transientErr("flaky"),
	}}
	fallback := &Mock{Tier: 2, Reply: "fallback"}
	r.Register("flaky", flaky)
	r.Register("fallback", fallback)

	// Two failing passes trip the threshold-2 breaker.
	for i := 0; i < 2; i++ {
		if _, err := r.Generate(context.Background(), "hi", Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if states := r.BreakerStates(); states["flaky"] != "open" {
		t.Fatalf("breaker should be open, got %s", states["flaky"])
	}

	calls := flaky.Calls()
	if _, err := r.Generate(context.Background(), "hi", Options{}); err != nil {
		t.Fatal(err)
	}
	if flaky.Calls() != calls {
		t.Fatal("open-breaker adapter must be skipped without a call")
	}
}

func TestGenerateAllProvidersFailed(t *testing.T) {
	r := testRegistry(t)
	r.Register("a", &Mock{Tier: 1, Errs: []error{transientErr("a")}})
	r.Register("b", &Mock{Tier: 2, Errs: []error{transientErr("b")}})

	_, err := r.Generate(context.Background(), "hi", Options{})
	var all *AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("want AllProvidersFailedError, got %v", err)
	}
	if len(all.Trail) != 2 || all.Trail[0].Provider != "a" || all.Trail[1].Provider != "b" {
		t.Fatalf("trail should list both adapters in layer order: %+v", all.Trail)
	}
}

func TestGenerateStreamFailsOverOnEstablishment(t *testing.T) {
	r := testRegistry(t)
	r.Register("a", &Mock{Tier: 1, Errs: []error{transientErr("a")}})
	r.Register("b", &Mock{Tier: 2, Reply: "streamed"})

	ch, err := r.GenerateStream(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if first.Content != "streamed" {
		t.Fatalf("want streamed content, got %+v", first)
	}
}

func TestModelsListsLayerOrder(t *testing.T) {
	r := testRegistry(t)
	r.Register("late", &Mock{Model: "m3", Tier: 3})
	r.Register("early", &Mock{Model: "m1", Tier: 1})
	r.Register("mid", &Mock{Model: "m2", Tier: 2, NotReady: true})

	models := r.Models()
	if len(models) != 3 {
		t.Fatalf("want 3 models, got %d", len(models))
	}
	if models[0].Name != "early" || models[1].Name != "mid" || models[2].Name != "late" {
		t.Fatalf("models not in layer order: %+v", models)
	}
	if models[1].Ready {
		t.Fatal("mid has no keys and must report not ready")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorClass
	}{
		{429, ClassRateLimit},
		{500, ClassTransient},
		{503, ClassTransient},
		{400, ClassFatal},
		{401, ClassFatal},
	}
	for _, c := range cases {
		if got := classifyStatus(c.status); got != c.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestDefaultConfigsRoundTrip(t *testing.T) {
	for _, cfg := range DefaultConfigs() {
		p, err := New(cfg)
		if err != nil {
			t.Fatalf("config %q: %v", cfg.Name, err)
		}
		if p.ModelID() != cfg.Model {
			t.Errorf("%q: model mismatch", cfg.Name)
		}
	}
	if _, err := New(Config{Type: "carrier-pigeon", Name: "x", Model: "m"}); err == nil {
		t.Fatal("unknown type must be rejected")
	}
}
