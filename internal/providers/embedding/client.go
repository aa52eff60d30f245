// Package embedding calls an Ollama-compatible /api/embed endpoint and
// returns unit-normalized vectors.
package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"watchfinder/discoveryservice/internal/providers/common"
)

const (
	defaultURL     = "http://localhost:11434/api/embed"
	defaultModel   = "nomic-embed-text"
	defaultTimeout = 15 * time.Second
	sourceName     = "embedding"
)

var ErrDisabled = errors.New("embedding: endpoint not configured")

type Config struct {
	URL     string
	Model   string
	Client  *http.Client
	Retry   *common.RetryConfig
	Timeout time.Duration
}

type Client struct {
	url   string
	model string
	http  *http.Client
	retry common.RetryConfig
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func NewClient(cfg Config) *Client {
	url := strings.TrimSpace(cfg.URL)
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retry := common.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Client{url: url, model: model, http: httpClient, retry: retry}
}

// DefaultURL is the local Ollama endpoint used when none is configured.
func DefaultURL() string {
	return defaultURL
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// Embed returns one unit-normalized vector per input text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if len(texts) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: encode body: %w", err)
	}

	var response embedResponse
	startedAt := time.Now()
	err = common.RetryWithBackoff(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := common.CheckStatus(sourceName, resp); err != nil {
			return err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &response)
	})
	common.ObserveUpstream(sourceName, startedAt, err)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(response.Embeddings))
	}
	vectors := make([][]float32, len(response.Embeddings))
	for i, vec := range response.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding: empty vector at %d", i)
		}
		vectors[i] = Normalize(vec)
	}
	return vectors, nil
}

// EmbedOne is Embed for a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Normalize scales vec to unit length. Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Cosine is the cosine similarity of two vectors; mismatched or empty
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
