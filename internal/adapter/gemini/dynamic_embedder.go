package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"docvault/internal/passage"
	"docvault/internal/settings"
)

const DefaultModel = "gemini-embedding-001"

var ErrNoAPIKey = errors.New("gemini api key not configured")

// KeySource supplies the current settings row, which carries the API key.
type KeySource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// DynamicEmbedder looks the API key up on every call so a key rotated through
// the settings endpoint takes effect without a restart. The genai client is
// rebuilt only when the key actually changes.
type DynamicEmbedder struct {
	keys      KeySource
	model     string
	dimension int
	extra     []option.ClientOption

	closeClient func(*genai.Client) error

	mu  sync.Mutex
	key string
	cur *lease
}

// NewDynamicEmbedder returns an embedder for model. Vectors longer than
// dimension are truncated and re-normalised; zero keeps the model's size.
func NewDynamicEmbedder(keys KeySource, model string, dimension int, opts ...option.ClientOption) *DynamicEmbedder {
	if model == "" {
		model = DefaultModel
	}
	return &DynamicEmbedder{
		keys:        keys,
		model:       model,
		dimension:   dimension,
		extra:       opts,
		closeClient: (*genai.Client).Close,
	}
}

// Embed returns the embedding of text. Every failure wraps
// passage.ErrEmbeddingFailed.
func (e *DynamicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s, err := e.keys.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load api key: %w", passage.ErrEmbeddingFailed, err)
	}
	if s.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: %w", passage.ErrEmbeddingFailed, ErrNoAPIKey)
	}

	l, err := e.acquire(ctx, s.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: genai client: %w", passage.ErrEmbeddingFailed, err)
	}
	defer e.release(ctx, l)

	slog.DebugContext(ctx, "embedding text", "model", e.model, "chars", len(text))
	res, err := l.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", passage.ErrEmbeddingFailed, err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", passage.ErrEmbeddingFailed)
	}
	return truncate(res.Embedding.Values, e.dimension), nil
}

// truncate keeps the first dim components and rescales them to unit length,
// which is how reduced-size Gemini embeddings are meant to be used.
func truncate(vec []float32, dim int) []float32 {
	if dim <= 0 || len(vec) <= dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec[:dim])

	var norm float64
	for _, v := range out {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return out
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// lease counts the Embed calls running on one client. A client retired by a
// key rotation is closed once its last call releases it.
type lease struct {
	client  *genai.Client
	active  int
	retired bool
}

func (e *DynamicEmbedder) acquire(ctx context.Context, key string) (*lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil && e.key == key {
		e.cur.active++
		return e.cur, nil
	}
	if e.cur != nil {
		e.retire(ctx, e.cur)
		e.cur, e.key = nil, ""
	}

	opts := append([]option.ClientOption{option.WithAPIKey(key)}, e.extra...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	e.cur, e.key = &lease{client: client, active: 1}, key
	return e.cur, nil
}

func (e *DynamicEmbedder) release(ctx context.Context, l *lease) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.active--
	if l.retired && l.active == 0 {
		if err := e.closeClient(l.client); err != nil {
			slog.WarnContext(ctx, "failed to close retired genai client", "error", err)
		}
	}
}

// retire must be called with mu held.
func (e *DynamicEmbedder) retire(ctx context.Context, l *lease) {
	l.retired = true
	if l.active > 0 {
		slog.DebugContext(ctx, "genai client retired with calls in flight", "active", l.active)
		return
	}
	if err := e.closeClient(l.client); err != nil {
		slog.WarnContext(ctx, "failed to close genai client after key rotation", "error", err)
	}
}

// Close releases the current client. Calls still running keep it open until
// they return.
func (e *DynamicEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil
	}
	l := e.cur
	e.cur, e.key = nil, ""
	l.retired = true
	if l.active > 0 {
		return nil
	}
	return e.closeClient(l.client)
}
