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

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAI implements Provider against the OpenAI chat completions API.
// With a BaseURL override it also serves any OpenAI-compatible endpoint,
// including OpenRouter.
type OpenAI struct {
	name      string
	model     string
	layer     int
	baseURL   string
	keys      *keyRing
	maxTokens int
	client    *http.Client
}

// NewOpenAI builds an OpenAI-compatible adapter from config.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai adapter %q: model required", cfg.Name)
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
		base = openaiBaseURL
	}
	return &OpenAI{
		name:      cfg.Name,
		model:     cfg.Model,
		layer:     cfg.Layer,
		baseURL:   strings.TrimSuffix(base, "/"),
		keys:      newKeyRing(cfg.KeyEnv),
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (o *OpenAI) ModelID() string { return o.model }
func (o *OpenAI) Layer() int      { return o.layer }
func (o *OpenAI) Ready() bool     { return o.keys.size() > 0 }
func (o *OpenAI) KeyCount() int   { return o.keys.size() }

// RotateKey advances to the next API key.
func (o *OpenAI) RotateKey() { o.keys.rotate() }

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) buildRequest(prompt string, opts Options, stream bool) openaiRequest {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := o.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	msgs := make([]openaiMessage, 0, 2)
	if opts.System != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: opts.System})
	}
	msgs = append(msgs, openaiMessage{Role: "user", Content: prompt})
	return openaiRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
}

func (o *OpenAI) do(ctx context.Context, reqBody openaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: o.name, Class: ClassFatal, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: o.name, Class: ClassFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.keys.current())

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

// Generate sends a non-streaming chat completion.
func (o *OpenAI) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	resp, err := o.do(ctx, o.buildRequest(prompt, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: o.name, Class: ClassTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != nil {
		return nil, &Error{Provider: o.name, Class: ClassFatal, Err: fmt.Errorf("%s: %s", out.Error.Type, out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Provider: o.name, Class: ClassTransient, Err: fmt.Errorf("no choices in response")}
	}
	return &Response{
		Content:      out.Choices[0].Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

type openaiStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream opens a streaming chat completion with delta events.
func (o *OpenAI) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	resp, err := o.do(ctx, o.buildRequest(prompt, opts, true))
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
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				ch <- Chunk{Done: true}
				return
			}
			var ev openaiStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if len(ev.Choices) == 0 {
				continue
			}
			if text := ev.Choices[0].Delta.Content; text != "" {
				select {
				case ch <- Chunk{Content: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- Chunk{Err: &Error{Provider: o.name, Class: ClassTransient, Err: err}}
		}
	}()
	return ch, nil
}
