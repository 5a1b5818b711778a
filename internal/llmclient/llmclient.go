// Package llmclient is the concrete HTTP client behind the external
// model/embedding backend: it implements internal/agent.Runner,
// internal/indexer.Embedder and internal/retrieval.Embedder over the wire,
// with context-scoped timeouts, JSON request bodies, and explicit
// status-code checks before decoding.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dispatchengine/internal/agent"
)

const (
	embedTimeout = 20 * time.Second
	runTimeout   = 60 * time.Second
)

// Client is a single HTTP client bound to one LLM/embedding backend. It
// satisfies agent.Runner, indexer.Embedder (EmbedBatch) and
// retrieval.Embedder (Embed).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a Client. timeout bounds every individual HTTP call the client
// makes; per-call context deadlines are layered on top via context.WithTimeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch satisfies internal/indexer.Embedder. A nil entry in the
// returned slice means that chunk's embedding failed and the caller should
// drop it rather than fail the whole batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "/embed_batch", embedBatchRequest{Texts: texts})
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed batch returned status %d", resp.StatusCode)
	}

	var out embedBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed batch response: %w", err)
	}
	return out.Embeddings, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed satisfies internal/retrieval.Embedder (single-text query embedding).
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "/embed", embedRequest{Text: text})
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return out.Embedding, nil
}

type runRequest struct {
	SystemPrompt string          `json:"system_prompt"`
	History      []agent.Message `json:"history"`
	Tools        []string        `json:"tools"`
}

type runToolCall struct {
	Tool  string `json:"tool"`
	Query string `json:"query"`
}

type runResponse struct {
	FinalOutput string        `json:"final_output"`
	ToolCalls   []runToolCall `json:"tool_calls"`
}

// Run satisfies internal/agent.Runner. It posts the assembled system prompt,
// history and available tool names to the backend and returns its final
// text plus any tool calls the model requested.
func (c *Client) Run(ctx context.Context, input agent.RunnerInput) (agent.RunnerOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "/run", runRequest{
		SystemPrompt: input.SystemPrompt,
		History:      input.History,
		Tools:        input.Tools,
	})
	if err != nil {
		return agent.RunnerOutput{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return agent.RunnerOutput{}, fmt.Errorf("run request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return agent.RunnerOutput{}, fmt.Errorf("run returned status %d: %s", resp.StatusCode, string(body))
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return agent.RunnerOutput{}, fmt.Errorf("decode run response: %w", err)
	}

	calls := make([]agent.RunnerToolCall, 0, len(out.ToolCalls))
	for _, c := range out.ToolCalls {
		calls = append(calls, agent.RunnerToolCall{Tool: c.Tool, Query: c.Query})
	}
	return agent.RunnerOutput{FinalOutput: out.FinalOutput, ToolCalls: calls}, nil
}
