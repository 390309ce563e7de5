package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type APIClient struct {
	server     string
	capability string
	http       *http.Client
}

type APIError struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

type ChatPayload struct {
	Message        string `json:"message"`
	Task           bool   `json:"task,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatOutcome merges the two chat answer shapes: a synchronous response
// carries Content, a spawned task carries TaskID.
type ChatOutcome struct {
	Content string  `json:"content,omitempty"`
	Omega   float64 `json:"omega,omitempty"`
	TraceID string  `json:"trace_id,omitempty"`
	TaskID  string  `json:"task_id,omitempty"`
	Status  string  `json:"status,omitempty"`
}

type TaskResult struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used,omitempty"`
	Status    string `json:"status,omitempty"`
}

type TaskHistoryEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

type Task struct {
	ID             string             `json:"id"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	Priority       string             `json:"priority"`
	State          string             `json:"state"`
	Origin         string             `json:"origin,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Worker         string             `json:"worker,omitempty"`
	Result         *TaskResult        `json:"result,omitempty"`
	History        []TaskHistoryEntry `json:"history,omitempty"`
}

type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
	Count int    `json:"count"`
}

type SubmitPayload struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used,omitempty"`
	Status    string `json:"status,omitempty"`
}

type ModelInfo struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Layer   int    `json:"layer"`
	Ready   bool   `json:"ready"`
	Breaker string `json:"breaker"`
}

type ModelListResponse struct {
	Models []ModelInfo `json:"models"`
}

type WorkerRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Earnings  int64  `json:"earnings"`
}

type WorkerListResponse struct {
	Workers []WorkerRecord `json:"workers"`
	Count   int            `json:"count"`
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type WitnessPayload struct {
	ConversationID string `json:"conversation_id"`
	Vote           int    `json:"vote"`
}

type WitnessResponse struct {
	Collapsed      bool   `json:"collapsed"`
	ConversationID string `json:"conversation_id"`
}

func NewAPIClient(server, capability string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server:     server,
		capability: capability,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *APIClient) Chat(ctx context.Context, payload ChatPayload) (*ChatOutcome, error) {
	var out ChatOutcome
	if err := c.doJSON(ctx, http.MethodPost, "/chat", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Tasks(ctx context.Context, state string) (*TaskListResponse, error) {
	path := "/tasks"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var out TaskListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Task(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Submit(ctx context.Context, id string, payload SubmitPayload) (*Task, error) {
	var out Task
	if err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/submit", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Models(ctx context.Context) (*ModelListResponse, error) {
	var out ModelListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Workers(ctx context.Context, tier string) (*WorkerListResponse, error) {
	path := "/workers"
	if tier != "" {
		path += "?tier=" + url.QueryEscape(tier)
	}
	var out WorkerListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health decodes the body whatever the status code: a degraded or
// unhealthy daemon still answers with the full check map.
func (c *APIClient) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out HealthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

func (c *APIClient) Witness(ctx context.Context, conversationID string, vote int) (*WitnessResponse, error) {
	var out WitnessResponse
	payload := WitnessPayload{ConversationID: conversationID, Vote: vote}
	if err := c.doJSON(ctx, http.MethodPost, "/witness", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.capability != "" {
		req.Header.Set("Authorization", "Bearer "+c.capability)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("request failed (status %d, %s): %s", resp.StatusCode, apiErr.Kind, apiErr.Message)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
