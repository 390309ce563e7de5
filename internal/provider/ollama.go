/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const ollamaBaseURL = "http://127.0.0.1:11434"

// Ollama implements Provider against a local Ollama daemon. It needs no API
// key and is always Ready; an unreachable daemon fails at call time like any
// other transient error, which lets the breaker handle it.
type Ollama struct {
	name    string
	model   string
	layer   int
	baseURL string
	client  *http.Client
}

// NewOllama builds a local-model adapter from config.
func NewOllama(cfg Config) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama adapter %q: model required", cfg.Name)
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = ollamaBaseURL
	}
	return &Ollama{
		name:    cfg.Name,
		model:   cfg.Model,
		layer:   cfg.Layer,
		baseURL: strings.TrimSuffix(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (o *Ollama) ModelID() string { return o.model }
func (o *Ollama) Layer() int      { return o.layer }
func (o *Ollama) Ready() bool     { return true }
func (o *Ollama) KeyCount() int   { return 0 }

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int64  `json:"eval_count"`

	PromptEvalCount int64 `json:"prompt_eval_count"`
}

func (o *Ollama) do(ctx context.Context, reqBody ollamaRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: o.name, Class: ClassFatal, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: o.name, Class: ClassFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: o.name, Class: ClassTransient, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{
			Provider: o.name,
			Class:    classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return resp, nil
}

// Generate runs a single non-streaming completion.
func (o *Ollama) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	resp, err := o.do(ctx, ollamaRequest{Model: model, Prompt: prompt, System: opts.System, Stream: false})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: o.name, Class: ClassTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &Response{
		Content:      out.Response,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

// GenerateStream reads Ollama's newline-delimited JSON stream.
func (o *Ollama) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	resp, err := o.do(ctx, ollamaRequest{Model: model, Prompt: prompt, System: opts.System, Stream: true})
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var out ollamaResponse
			if err := json.Unmarshal(scanner.Bytes(), &out); err != nil {
				continue
			}
			if out.Response != "" {
				select {
				case ch <- Chunk{Content: out.Response}:
				case <-ctx.Done():
					return
				}
			}
			if out.Done {
				ch <- Chunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- Chunk{Err: &Error{Provider: o.name, Class: ClassTransient, Err: err}}
		}
	}()
	return ch, nil
}
