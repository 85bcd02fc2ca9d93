package gemini

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"docvault/internal/vector"
)

// RateLimitedEmbedder spaces calls to the wrapped embedder so bulk ingestion
// stays under the provider's request quota.
type RateLimitedEmbedder struct {
	next    vector.Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows perSecond calls with the given burst. A
// non-positive rate disables limiting.
func NewRateLimitedEmbedder(next vector.Embedder, perSecond float64, burst int) *RateLimitedEmbedder {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	return r.next.Embed(ctx, text)
}
