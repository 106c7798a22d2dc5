package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Client calls an OpenAI-compatible /v1/embeddings endpoint.
type Client struct {
	config     Config
	http       *http.Client
	dimensions int
}

// NewClient creates an HTTP embedding client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// Dimensions returns the vector width, 0 before the first call.
func (c *Client) Dimensions() int { return c.dimensions }

// EmbedBatch embeds texts in one API call with retry. Blank texts are not
// sent; their result positions stay nil.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	nonEmpty := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmpty = append(nonEmpty, text)
			indexMap = append(indexMap, i)
		}
	}
	if len(nonEmpty) == 0 {
		return make([][]float32, len(texts)), nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		vecs, err := c.attempt(ctx, nonEmpty)
		if err == nil {
			result := make([][]float32, len(texts))
			for i, vec := range vecs {
				result[indexMap[i]] = vec
			}
			for _, vec := range vecs {
				if len(vec) > 0 {
					c.dimensions = len(vec)
					break
				}
			}
			return result, nil
		}
		lastErr = err
		if attempt == c.config.MaxRetries {
			break
		}

		// 1s, 2s, 4s, ... unless the server says otherwise.
		backoff := time.Duration(1<<attempt) * time.Second
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusTooManyRequests {
			if httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == "openrouter" {
		req.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/stratify")
		req.Header.Set("X-Title", "Stratify")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: retryAfter,
		}
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, data := range parsed.Data {
		if data.Index < 0 || data.Index >= len(vecs) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		vecs[data.Index] = data.Embedding
	}
	return vecs, nil
}
