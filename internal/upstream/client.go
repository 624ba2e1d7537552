// Package upstream calls an OpenAI-compatible chat completions API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.2
)

// ErrEmptyMessages is returned when there is nothing to send.
var ErrEmptyMessages = errors.New("upstream: messages must be a JSON array")

// Client sends chat messages upstream and returns the first completion.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	temperature  float64
	jsonResponse bool
	timeout      time.Duration
	httpClient   *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithJSONResponse asks the model for a JSON object reply.
func WithJSONResponse(on bool) Option {
	return func(c *Client) { c.jsonResponse = on }
}

// WithTimeout bounds each call. Zero means only the caller's context applies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		apiKey:       apiKey,
		model:        DefaultModel,
		temperature:  DefaultTemperature,
		jsonResponse: true,
		httpClient:   &http.Client{Transport: NewHTTPTransport(0)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type responseFormat struct {
	Type string `json:"type"`
}

type apiRequest struct {
	Model          string          `json:"model"`
	Messages       json.RawMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type apiResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete forwards messages as-is and returns the content of the first choice,
// or "" when the reply has none. Non-2xx statuses, transport failures,
// timeouts and undecodable bodies are errors.
func (c *Client) Complete(ctx context.Context, messages json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(messages)) == 0 {
		return "", ErrEmptyMessages
	}

	body := apiRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	}
	if c.jsonResponse {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("upstream: marshal request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("upstream: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read body for error context, but don't fail if we can't.
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upstream: decode response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == nil {
		return "", nil
	}
	return *out.Choices[0].Message.Content, nil
}

// StatusError is a non-2xx reply from the upstream API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Body)
}
