package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snippet cache limits. Retrieval is best-effort: a cold or unreachable
// cache degrades context, never the analysis call itself.
const (
	snippetKeyPrefix   = "carepulse:snippets:"
	maxSnippets        = 5
	snippetTTL         = 7 * 24 * time.Hour
	snippetTimeout     = 500 * time.Millisecond
	maxSnippetLen      = 500
	maxSnippetListSize = 20
)

// SnippetCache stores per-patient care notes in Redis for inclusion in the
// analysis context (clinical guidance, staff observations, program notes).
type SnippetCache struct {
	client *redis.Client
}

// NewSnippetCache wraps an existing Redis client.
func NewSnippetCache(client *redis.Client) *SnippetCache {
	return &SnippetCache{client: client}
}

// NewSnippetCacheFromURL connects to Redis using a redis:// URL.
func NewSnippetCacheFromURL(url string) (*SnippetCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &SnippetCache{client: redis.NewClient(opts)}, nil
}

// Add pushes a snippet for a patient, trimming the list to a bounded size.
func (c *SnippetCache) Add(ctx context.Context, patientID string, snippet string) error {
	if len(snippet) > maxSnippetLen {
		snippet = snippet[:maxSnippetLen]
	}
	key := snippetKeyPrefix + patientID
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, snippet)
	pipe.LTrim(ctx, key, 0, maxSnippetListSize-1)
	pipe.Expire(ctx, key, snippetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store snippet: %w", err)
	}
	return nil
}

// Recent returns up to maxSnippets most recent snippets for the patient.
// Errors are logged and swallowed; an empty slice is always usable.
func (c *SnippetCache) Recent(ctx context.Context, patientID string) []string {
	ctx, cancel := context.WithTimeout(ctx, snippetTimeout)
	defer cancel()
	snippets, err := c.client.LRange(ctx, snippetKeyPrefix+patientID, 0, maxSnippets-1).Result()
	if err != nil && err != redis.Nil {
		slog.Warn("SnippetCache.Recent: lookup failed", "patientID", patientID, "error", err)
		return nil
	}
	return snippets
}

// Close releases the Redis connection.
func (c *SnippetCache) Close() error {
	return c.client.Close()
}
