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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "claude-sonnet-4-20250514" || len(req.Messages) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		fmt.Fprint(w, `{"model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":10,"output_tokens":4}}`)
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "test-key")
	a, err := NewAnthropic(Config{
		Type: "anthropic", Name: "test", Model: "claude-sonnet-4-20250514",
		Layer: 1, BaseURL: srv.URL, KeyEnv: "TEST_ANTHROPIC_KEY",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := a.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello world" {
		t.Errorf("want joined text blocks, got %q", resp.Content)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 4 {
		t.Errorf("usage not propagated: %+v", resp)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"chunk1"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"chunk2"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "k")
	a, _ := NewAnthropic(Config{Type: "anthropic", Name: "test", Model: "m", BaseURL: srv.URL, KeyEnv: "TEST_ANTHROPIC_KEY"})

	ch, err := a.GenerateStream(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	var done bool
	for c := range ch {
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		text += c.Content
		done = done || c.Done
	}
	if text != "chunk1chunk2" || !done {
		t.Fatalf("stream mismatch: %q done=%v", text, done)
	}
}

func TestAnthropicClassifiesHTTPErrors(t *testing.T) {
	status := 429
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "k")
	a, _ := NewAnthropic(Config{Type: "anthropic", Name: "test", Model: "m", BaseURL: srv.URL, KeyEnv: "TEST_ANTHROPIC_KEY"})

	_, err := a.Generate(context.Background(), "hi", Options{})
	if !IsRateLimit(err) {
		t.Fatalf("429 must classify as rate limit, got %v", err)
	}

	status = 500
	_, err = a.Generate(context.Background(), "hi", Options{})
	var pe *Error
	if !errors.As(err, &pe) || pe.Class != ClassTransient {
		t.Fatalf("500 must classify as transient, got %v", err)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("system prompt should prepend a system message: %+v", req.Messages)
		}
		fmt.Fprint(w, `{"model":"gpt-4o","choices":[{"message":{"content":"answer"}}],"usage":{"prompt_tokens":7,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	o, err := NewOpenAI(Config{Type: "openai", Name: "test", Model: "gpt-4o", BaseURL: srv.URL, KeyEnv: "TEST_OPENAI_KEY"})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := o.Generate(context.Background(), "hi", Options{System: "be brief"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "answer" || resp.InputTokens != 7 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOpenAIStreamDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"b"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	t.Setenv("TEST_OPENAI_KEY", "k")
	o, _ := NewOpenAI(Config{Type: "openai", Name: "test", Model: "m", BaseURL: srv.URL, KeyEnv: "TEST_OPENAI_KEY"})

	ch, err := o.GenerateStream(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	for c := range ch {
		text += c.Content
	}
	if text != "ab" {
		t.Fatalf("want ab, got %q", text)
	}
}

func TestOllamaAlwaysReady(t *testing.T) {
	o, err := NewOllama(Config{Type: "ollama", Name: "local", Model: "llama3.1"})
	if err != nil {
		t.Fatal(err)
	}
	if !o.Ready() || o.KeyCount() != 0 {
		t.Fatal("ollama needs no key and must always be ready")
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"llama3.1","response":"local answer","done":true,"eval_count":3}`)
	}))
	defer srv.Close()

	o, _ := NewOllama(Config{Type: "ollama", Name: "local", Model: "llama3.1", BaseURL: srv.URL})
	resp, err := o.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "local answer" || resp.OutputTokens != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestKeyRingRotation(t *testing.T) {
	t.Setenv("TEST_RING", "k1, k2 ,k3")
	r := newKeyRing("TEST_RING")
	if r.size() != 3 {
		t.Fatalf("want 3 keys, got %d", r.size())
	}
	if r.current() != "k1" {
		t.Fatalf("want k1, got %s", r.current())
	}
	if r.rotate() != "k2" || r.rotate() != "k3" || r.rotate() != "k1" {
		t.Fatal("rotation must wrap around")
	}

	empty := newKeyRing("TEST_RING_MISSING")
	if empty.size() != 0 || empty.current() != "" {
		t.Fatal("missing env must yield an empty ring")
	}
}
