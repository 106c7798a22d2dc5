// Package embed turns text into vectors. It ships two embedders: an HTTP
// client for OpenAI-compatible /v1/embeddings endpoints and a local ONNX
// runtime embedder, both batch-first so the clustering pipeline can stream
// documents through without per-text overhead.
package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Embedder generates embedding vectors from text, one vector per input.
// Empty inputs produce nil vectors at the same positions.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string // "ollama", "openai", "openrouter", "local", "custom"
	Model       string
	Endpoint    string // API URL, or model directory for "local"
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)
}

// ParseFlag parses "provider/model" into a Config with provider defaults.
// Model names may themselves contain slashes.
func ParseFlag(flag string) (*Config, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}
	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid embed format: expected 'provider/model', got %q", flag)
	}
	provider, model := flag[:slashIdx], flag[slashIdx+1:]
	if provider == "" || model == "" {
		return nil, fmt.Errorf("invalid embed format: %q", flag)
	}

	config := &Config{
		Provider:    provider,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}
	switch provider {
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		config.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "local":
		config.Endpoint = os.Getenv("STRATIFY_MODEL_DIR")
	case "custom":
		config.Endpoint = os.Getenv("STRATIFY_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("STRATIFY_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, openrouter, local, custom", provider)
	}

	if endpoint := os.Getenv("STRATIFY_EMBED_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}
	if apiKey := os.Getenv("STRATIFY_EMBED_API_KEY"); apiKey != "" {
		config.APIKey = apiKey
	}
	return config, nil
}

// Validate checks that the configuration is complete for its provider.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.Provider != "local" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// New builds the embedder the config names.
func New(config *Config) (Embedder, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embed config: %w", err)
	}
	if config.Provider == "local" {
		return NewLocal(config.Endpoint)
	}
	return NewClient(config)
}

// HTTPError carries the status and body of a failed embeddings call, plus
// the server's Retry-After hint when present.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// EmbedOne embeds a single text through any batch embedder.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}
