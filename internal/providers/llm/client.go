// Package llm talks to an OpenAI-compatible chat completions endpoint in
// JSON mode and decodes replies against strict, validated schemas.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"watchfinder/discoveryservice/internal/metrics"
	"watchfinder/discoveryservice/internal/providers/common"
)

const (
	jsonResponseType     = "json_object"
	defaultBaseURL       = "https://api.openai.com/v1"
	defaultHTTPTimeout   = 30 * time.Second
	defaultRetryAttempts = 3
	breakerTripFailures  = 5
	breakerOpenTimeout   = 30 * time.Second
	sourceName           = "llm"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("llm: api key required")

// Config captures the runtime settings required to talk to the LLM.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
	// Name labels the circuit breaker and log lines ("extract", "rerank").
	Name string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      common.RetryConfig
	breaker    *gobreaker.CircuitBreaker[string]
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithRetry(cfg common.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	retry := common.DefaultRetryConfig()
	retry.MaxAttempts = defaultRetryAttempts

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}
	for _, opt := range opts {
		opt(client)
	}
	client.breaker = newBreaker("llm-" + cfg.Name)
	return client
}

func newBreaker(name string) *gobreaker.CircuitBreaker[string] {
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("llm circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.cfg.APIKey != ""
}

func (c *Client) Model() string {
	return c.cfg.Model
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON issues a JSON-only chat completion and returns the raw content.
// Calls go through the client's circuit breaker; an open breaker fails fast.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	if systemPrompt == "" || userPrompt == "" {
		return "", errors.New("llm complete: system and user prompts required")
	}
	if !c.Enabled() {
		return "", ErrDisabled
	}
	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": jsonResponseType},
	}
	content, err := c.breaker.Execute(func() (string, error) {
		return c.completeWithRetry(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("llm %s: %w", c.cfg.Name, err)
		}
		return "", err
	}
	return content, nil
}

func (c *Client) completeWithRetry(ctx context.Context, payload chatCompletionRequest) (string, error) {
	var content string
	startedAt := time.Now()
	err := common.RetryWithBackoff(ctx, c.retry, func() error {
		completion, err := c.sendOnce(ctx, payload)
		if err != nil {
			return err
		}
		content, err = extractContent(completion)
		return err
	})
	common.ObserveUpstream(sourceName, startedAt, err)
	if err != nil {
		return "", fmt.Errorf("llm %s: %w", c.cfg.Name, err)
	}
	return content, nil
}

func (c *Client) sendOnce(ctx context.Context, payload chatCompletionRequest) (chatCompletionResponse, error) {
	var completion chatCompletionResponse
	encoded, err := json.Marshal(payload)
	if err != nil {
		return completion, fmt.Errorf("encode body: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return completion, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return completion, err
	}
	defer resp.Body.Close()
	if err := common.CheckStatus(sourceName, resp); err != nil {
		return completion, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return completion, err
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return completion, fmt.Errorf("decode response: %w", err)
	}
	if completion.Error != nil {
		return completion, fmt.Errorf("api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	return completion, nil
}

func extractContent(completion chatCompletionResponse) (string, error) {
	if len(completion.Choices) == 0 {
		return "", errors.New("empty choices")
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	first := completion.Choices[0]
	return "", fmt.Errorf("empty content (finish_reason=%q, refusal=%q)", first.FinishReason, first.Message.Refusal)
}
