// Package llm provides the two external reasoners: a fast generalist
// for intraday scoring (30 s budget) and a slower reasoning model for
// the scenario veto and post-trade lessons (60 s budget). Failures are
// non-fatal by contract; callers fall back to conservative defaults.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Reasoner timeouts per the external-interface contract.
const (
	FastTimeout = 30 * time.Second
	DeepTimeout = 60 * time.Second
)

// Client is an OpenAI-compatible chat client shared by both reasoners.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient creates an LLM client. The HTTP client carries no timeout
// of its own; per-call contexts control the deadline.
func NewClient(endpoint, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Transport: transport},
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Completion is a reasoner reply: the answer body, the model's chain of
// reasoning when the endpoint exposes one, and the raw content.
type Completion struct {
	Answer    string
	Reasoning string
	Raw       string
}

// Chat sends one completion request and returns the reply.
func (c *Client) Chat(ctx context.Context, model, system, prompt string) (*Completion, error) {
	body := chatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	msg := out.Choices[0].Message
	return &Completion{
		Answer:    msg.Content,
		Reasoning: msg.ReasoningContent,
		Raw:       msg.Content,
	}, nil
}

// Reasoner binds a model and a timeout to the shared client.
type Reasoner struct {
	client  *Client
	model   string
	timeout time.Duration
}

// NewFastReasoner returns the intraday scoring reasoner.
func NewFastReasoner(client *Client, model string) *Reasoner {
	return &Reasoner{client: client, model: model, timeout: FastTimeout}
}

// NewDeepReasoner returns the scenario-veto / lesson reasoner.
func NewDeepReasoner(client *Client, model string) *Reasoner {
	return &Reasoner{client: client, model: model, timeout: DeepTimeout}
}

// Ask runs one prompt under the reasoner's own timeout.
func (r *Reasoner) Ask(ctx context.Context, system, prompt string) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Chat(ctx, r.model, system, prompt)
}
