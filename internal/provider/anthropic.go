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

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// Anthropic implements Provider against the Anthropic Messages API.
type Anthropic struct {
	name      string
	model     string
	layer     int
	baseURL   string
	keys      *keyRing
	maxTokens int
	client    *http.Client
}

// NewAnthropic builds an Anthropic adapter from config.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic adapter %q: model required", cfg.Name)
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	base := cfg.BaseURL
	if base == "" {
		base = anthropicBaseURL
	}
	return &Anthropic{
		name:      cfg.Name,
		model:     cfg.Model,
		layer:     cfg.Layer,
		baseURL:   strings.TrimSuffix(base, "/"),
		keys:      newKeyRing(cfg.KeyEnv),
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (a *Anthropic) ModelID() string { return a.model }
func (a *Anthropic) Layer() int      { return a.layer }
func (a *Anthropic) Ready() bool     { return a.keys.size() > 0 }
func (a *Anthropic) KeyCount() int   { return a.keys.size() }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) buildRequest(prompt string, opts Options, stream bool) anthropicRequest {
	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := a.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	return anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      opts.System,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		Stream:      stream,
		Temperature: opts.Temperature,
	}
}

func (a *Anthropic) do(ctx context.Context, reqBody anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: a.name, Class: ClassFatal, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: a.name, Class: ClassFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.keys.current())
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: a.name, Class: ClassTransient, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{
			Provider: a.name,
			Class:    classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return resp, nil
}

// RotateKey advances to the next API key. Called by the registry after a
// rate-limit response.
func (a *Anthropic) RotateKey() { a.keys.rotate() }

// Generate sends a non-streaming messages request.
func (a *Anthropic) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	resp, err := a.do(ctx, a.buildRequest(prompt, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: a.name, Class: ClassTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != nil {
		return nil, &Error{Provider: a.name, Class: ClassFatal, Err: fmt.Errorf("%s: %s", out.Error.Type, out.Error.Message)}
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &Response{
		Content:      sb.String(),
		Model:        out.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

// GenerateStream opens a streaming request. The SSE connection is
// established before the channel is returned, so an immediate HTTP failure
// surfaces as an error rather than an in-band chunk.
func (a *Anthropic) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	resp, err := a.do(ctx, a.buildRequest(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		a.readStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) readStream(ctx context.Context, body io.Reader, ch chan<- Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				select {
				case ch <- Chunk{Content: ev.Delta.Text}:
				case <-ctx.Done():
					return
				}
			}
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			ch <- Chunk{Err: &Error{Provider: a.name, Class: ClassTransient, Err: fmt.Errorf("%s", msg)}}
			return
		case "message_stop":
			ch <- Chunk{Done: true}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- Chunk{Err: &Error{Provider: a.name, Class: ClassTransient, Err: err}}
	}
}
