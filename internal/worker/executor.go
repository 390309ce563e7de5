package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sos-labs/sos/internal/provider"
)

// TaskPayload is the work item carried on the queue stream.
type TaskPayload struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// ExecResult is an executor's output for one task.
type ExecResult struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used"`
	Status    string `json:"status"` // "success" or "failure"
}

// Executor turns a task payload into a result.
type Executor interface {
	Execute(ctx context.Context, payload TaskPayload) (*ExecResult, error)
}

// generator is the slice of the provider registry the executor needs.
type generator interface {
	Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Response, error)
}

// ModelExecutor is the default executor: it prompts the provider chain with
// the task description. Cost control comes from the registry's layer
// ordering plus a model preference for the cheaper fallback tiers.
type ModelExecutor struct {
	registry generator
	model    string // preferred cheap model, empty = registry default
	timeout  time.Duration
}

// NewModelExecutor builds the default executor. preferModel may name a
// cheaper model to request instead of the chain's primary default.
func NewModelExecutor(registry generator, preferModel string, timeout time.Duration) *ModelExecutor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ModelExecutor{registry: registry, model: preferModel, timeout: timeout}
}

const executorSystemPrompt = "You are a task executor. Complete the task described by the user and reply with the deliverable only."

// Execute prompts the model chain with the task description.
func (e *ModelExecutor) Execute(ctx context.Context, payload TaskPayload) (*ExecResult, error) {
	if payload.Description == "" && payload.Title == "" {
		return nil, fmt.Errorf("task %s has no content to execute", payload.TaskID)
	}
	prompt := payload.Description
	if prompt == "" {
		prompt = payload.Title
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.registry.Generate(ctx, prompt, provider.Options{
		Model:  e.model,
		System: executorSystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("execute task %s: %w", payload.TaskID, err)
	}
	return &ExecResult{
		Output:    resp.Content,
		ModelUsed: resp.Model,
		Status:    "success",
	}, nil
}
