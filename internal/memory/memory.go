// Package memory is the HTTP client for the external vector memory service
// ("Mirror"). The engine stores salient exchanges here and the dream loop
// reads recent memories with their embeddings. The service contract is
// fixed; this package only speaks it.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a stored memory.
const (
	KindExchange    = "exchange"
	KindObservation = "observation"
	KindDream       = "dream"
)

// Entry is one stored memory.
type Entry struct {
	ID        string            `json:"id,omitempty"`
	AgentID   string            `json:"agent_id"`
	Kind      string            `json:"kind"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Refs      []string          `json:"refs,omitempty"` // cluster members for dreams
	Embedding []float64         `json:"embedding,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// ARFState is the coherence field state the memory service maintains.
type ARFState struct {
	AlphaDrift     float64 `json:"alpha_drift"`
	Regime         string  `json:"regime"`
	IsDreaming     bool    `json:"is_dreaming"`
	PendingWitness int     `json:"pending_witness"`
}

// Client talks to the Mirror service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a memory client with the contract's 5 s timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Configured reports whether a memory endpoint was provided. Callers treat
// an unconfigured client as a no-op collaborator.
func (c *Client) Configured() bool { return c.baseURL != "" }

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("memory service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("memory service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Store persists one memory entry.
func (c *Client) Store(ctx context.Context, e *Entry) error {
	if !c.Configured() {
		return nil
	}
	return c.post(ctx, "/memories", e, nil)
}

// StoreExchange records a chat exchange with its omega coherence signal.
func (c *Client) StoreExchange(ctx context.Context, agentID, prompt, response string, omega float64, conversationID string) error {
	return c.Store(ctx, &Entry{
		AgentID: agentID,
		Kind:    KindExchange,
		Content: "Q: " + prompt + "\nA: " + response,
		Metadata: map[string]string{
			"omega":           strconv.FormatFloat(omega, 'f', 6, 64),
			"conversation_id": conversationID,
		},
	})
}

// Recent fetches up to limit most recent memories for an agent, embeddings
// included.
func (c *Client) Recent(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if !c.Configured() {
		return nil, nil
	}
	q := url.Values{}
	q.Set("agent_id", agentID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("embeddings", "1")
	var out []Entry
	if err := c.get(ctx, "/memories/recent?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ARF reads the current coherence field state.
func (c *Client) ARF(ctx context.Context) (*ARFState, error) {
	if !c.Configured() {
		return &ARFState{Regime: "stable"}, nil
	}
	var out ARFState
	if err := c.get(ctx, "/arf/state", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health pings the service for the engine's health checks.
func (c *Client) Health(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("memory service not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.get(ctx, "/health", nil)
}
