package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hurttlocker/stratify/internal/llm"
)

const (
	shortenLen  = 400
	topKDocs    = 7
	topKTitles  = 15
	maxAttempts = 10

	backoffBase = 500 * time.Millisecond
	backoffCap  = 60 * time.Second

	titleMaxTokens = 50
)

const clusterSystemPrompt = `You are a world-class short title generator. ` +
	`Given a list of documents from the same group, generate a short title ` +
	`(at most five words) that best describes what the documents have in common. ` +
	`Do not use vague words like "various", "assortment", "conversations" or "discussions". ` +
	`Respond with JSON: {"title": "..."}`

const categorySystemPrompt = `You are a world-class category labeler. ` +
	`Given a list of group titles, generate a short category name ` +
	`(at most five words) that best covers all of them. ` +
	`Respond with JSON: {"category": "..."}`

// ScoredDoc is one document with its cluster membership confidence.
type ScoredDoc struct {
	Text       string
	Membership float64
}

// Labeler turns a ranked group of documents into a short title through an
// injected text-generation provider. Transient failures (rate limit,
// timeout) are retried with jittered exponential backoff; anything else
// propagates immediately.
type Labeler struct {
	Provider llm.Provider

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLabeler builds a labeler around a provider.
func NewLabeler(provider llm.Provider) *Labeler {
	return &Labeler{Provider: provider}
}

// TitleCluster produces a title for a group of documents ordered by
// descending membership. Only the top 7 documents reach the prompt, each
// shortened to a prefix+suffix snippet.
func (l *Labeler) TitleCluster(ctx context.Context, docs []ScoredDoc) (string, error) {
	if len(docs) == 0 {
		return "", nil
	}
	if len(docs) > topKDocs {
		docs = docs[:topKDocs]
	}
	lines := make([]string, len(docs))
	for i, d := range docs {
		lines[i] = snippet(d.Text)
	}
	return l.complete(ctx, clusterSystemPrompt, strings.Join(lines, "\n"), "title")
}

// TitleCategory produces a category name for a group of cluster titles
// ordered by descending membership. The top 15 titles reach the prompt
// untruncated.
func (l *Labeler) TitleCategory(ctx context.Context, titles []ScoredDoc) (string, error) {
	if len(titles) == 0 {
		return "", nil
	}
	if len(titles) > topKTitles {
		titles = titles[:topKTitles]
	}
	lines := make([]string, len(titles))
	for i, t := range titles {
		lines[i] = t.Text
	}
	return l.complete(ctx, categorySystemPrompt, strings.Join(lines, "\n"), "category")
}

func (l *Labeler) complete(ctx context.Context, system, content, field string) (string, error) {
	opts := llm.CompletionOpts{
		Temperature: 0,
		MaxTokens:   titleMaxTokens,
		Format:      "json",
		System:      system,
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err := l.Provider.Complete(ctx, content, opts)
		if err == nil {
			return parseTitleJSON(raw, field)
		}
		if !llm.IsRetryable(err) {
			return "", err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		if err := l.backoff(ctx, attempt); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("title generation failed after %d attempts: %w", maxAttempts, lastErr)
}

// backoff sleeps a random duration up to min(cap, base*2^attempt).
func (l *Labeler) backoff(ctx context.Context, attempt int) error {
	ceiling := backoffBase << uint(attempt)
	if ceiling > backoffCap || ceiling <= 0 {
		ceiling = backoffCap
	}
	wait := time.Duration(rand.Int63n(int64(ceiling) + 1))
	if l.sleep != nil {
		return l.sleep(ctx, wait)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// parseTitleJSON extracts the expected field from the model's JSON reply,
// repairing slightly malformed output before giving up.
func parseTitleJSON(raw, field string) (string, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr != nil {
			return "", fmt.Errorf("parsing title response %q: %w", raw, err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return "", fmt.Errorf("parsing repaired title response %q: %w", repaired, err)
		}
	}
	value, ok := parsed[field].(string)
	if !ok {
		return "", fmt.Errorf("title response %q has no %q field", raw, field)
	}
	return strings.TrimSpace(value), nil
}

// snippet shortens a document to a fixed character budget, keeping both
// ends with an ellipsis line in between.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= shortenLen {
		return text
	}
	half := shortenLen / 2
	return string(runes[:half]) + "\n...\n" + string(runes[len(runes)-half:])
}
