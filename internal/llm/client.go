// Package llm wraps an OpenAI-compatible chat completions endpoint that
// returns JSON objects.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Defaults for Config.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTimeout     = 45 * time.Second
	DefaultMaxTokens   = 1500
	DefaultTemperature = 0.2
)

// ErrEmptyResponse is returned when the model answers without content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Config controls the model endpoint.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client issues chat completion requests.
type Client struct {
	api *openai.Client
	cfg Config
}

// New builds a Client. httpClient may be nil; its Timeout is overridden by
// cfg.Timeout when set.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	hc := *httpClient
	hc.Timeout = cfg.Timeout

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = &hc
	return &Client{api: openai.NewClientWithConfig(apiCfg), cfg: cfg}, nil
}

// Complete sends a system and user message and returns the content of the
// first choice.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

var payloadHints = []string{"context length", "too long", "too large", "token limit", "maximum context"}

// IsPayloadTooLarge reports whether err indicates the prompt exceeded what
// the endpoint accepts.
func IsPayloadTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if StatusCode(err) == http.StatusRequestEntityTooLarge {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range payloadHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a network failure, timeout, rate limit,
// or server error worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	code := StatusCode(err)
	if code == http.StatusTooManyRequests || code >= 500 {
		return true
	}
	if code != 0 {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
