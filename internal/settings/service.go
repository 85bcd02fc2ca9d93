package settings

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the runtime-tunable knobs persisted in the single settings row.
type Settings struct {
	ID              int     `json:"-"`
	GeminiAPIKey    string  `json:"gemini_api_key"`
	SearchThreshold float64 `json:"search_threshold"`
	SearchTopK      int     `json:"search_top_k"`
	SemanticRerank  bool    `json:"semantic_rerank"`
}

func (s *Settings) Validate() error {
	if s.SearchThreshold < 0 || s.SearchThreshold > 1 {
		return fmt.Errorf("%w: search_threshold must be within [0, 1], got %g", ErrInvalidSettings, s.SearchThreshold)
	}
	if s.SearchTopK < 1 || s.SearchTopK > 100 {
		return fmt.Errorf("%w: search_top_k must be within [1, 100], got %d", ErrInvalidSettings, s.SearchTopK)
	}
	return nil
}

// View is what the API exposes. The embedding key never leaves the service.
type View struct {
	HasGeminiAPIKey bool    `json:"has_gemini_api_key"`
	SearchThreshold float64 `json:"search_threshold"`
	SearchTopK      int     `json:"search_top_k"`
	SemanticRerank  bool    `json:"semantic_rerank"`
}

func (s *Settings) View() View {
	return View{
		HasGeminiAPIKey: s.GeminiAPIKey != "",
		SearchThreshold: s.SearchThreshold,
		SearchTopK:      s.SearchTopK,
		SemanticRerank:  s.SemanticRerank,
	}
}

// Patch carries a partial update. Nil fields keep their stored value.
type Patch struct {
	GeminiAPIKey    *string  `json:"gemini_api_key,omitempty"`
	SearchThreshold *float64 `json:"search_threshold,omitempty"`
	SearchTopK      *int     `json:"search_top_k,omitempty"`
	SemanticRerank  *bool    `json:"semantic_rerank,omitempty"`
}

func (p Patch) applyTo(s *Settings) {
	if p.GeminiAPIKey != nil {
		s.GeminiAPIKey = *p.GeminiAPIKey
	}
	if p.SearchThreshold != nil {
		s.SearchThreshold = *p.SearchThreshold
	}
	if p.SearchTopK != nil {
		s.SearchTopK = *p.SearchTopK
	}
	if p.SemanticRerank != nil {
		s.SemanticRerank = *p.SemanticRerank
	}
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, set)
}

// Apply merges p onto the stored row and saves the result when it is valid.
func (s *Service) Apply(ctx context.Context, p Patch) (*Settings, error) {
	cur, err := s.repo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	p.applyTo(cur)
	if err := s.Update(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}
