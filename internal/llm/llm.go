package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	// ErrAPI marks transport or service failures that may succeed on retry.
	ErrAPI = errors.New("llm api error")
	// ErrTimeout marks a request that exceeded its deadline.
	ErrTimeout = errors.New("llm request timed out")
	// ErrRejected marks a request the service refused, such as a bad key or
	// an invalid model. Repeating it cannot succeed.
	ErrRejected = errors.New("llm request rejected")
)

// Config holds the grading API connection settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
	Temperature       float32
}

// Reply is the raw text of a chat completion. Reasoning models may leave
// Content empty and put their answer in ReasoningContent.
type Reply struct {
	Content          string
	ReasoningContent string
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	timeout     time.Duration
	temperature float32
	limiter     *rate.Limiter
}

// New creates a new LLM client.
func New(cfg Config) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &Client{
		api:         openai.NewClientWithConfig(config),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		limiter:     rate.NewLimiter(limit, 1),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends one system and one user message and returns the reply.
// Errors wrap ErrTimeout, ErrRejected or ErrAPI.
func (c *Client) Complete(ctx context.Context, system, user string) (Reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Reply{}, fmt.Errorf("%w: rate limiter: %w", ErrTimeout, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: c.temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if clientError(err) {
			return Reply{}, fmt.Errorf("%w: chat completion: %w", ErrRejected, err)
		}
		return Reply{}, fmt.Errorf("%w: chat completion: %w", ErrAPI, err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("%w: no choices returned", ErrAPI)
	}

	msg := resp.Choices[0].Message
	slog.Debug("LLM response", "model", c.model, "content", msg.Content, "tokens", resp.Usage.TotalTokens)
	return Reply{Content: msg.Content, ReasoningContent: msg.ReasoningContent}, nil
}

// clientError reports whether err is a 4xx response other than a request
// timeout or rate limit.
func clientError(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// Ping checks that the API endpoint is reachable with the configured key.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: list models: %w", ErrAPI, err)
	}
	return nil
}
