package settings

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo reads and writes the single settings row (id = 1) seeded by
// the migrations.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const selectSettings = `
	SELECT id, gemini_api_key, search_threshold, search_top_k, semantic_rerank
	FROM settings
	WHERE id = 1`

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.db.QueryRowContext(ctx, selectSettings).
		Scan(&s.ID, &s.GeminiAPIKey, &s.SearchThreshold, &s.SearchTopK, &s.SemanticRerank)
	if err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}
	return &s, nil
}

const updateSettings = `
	UPDATE settings
	SET gemini_api_key = $1, search_threshold = $2, search_top_k = $3, semantic_rerank = $4, updated_at = NOW()
	WHERE id = 1`

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	res, err := r.db.ExecContext(ctx, updateSettings, s.GeminiAPIKey, s.SearchThreshold, s.SearchTopK, s.SemanticRerank)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update settings: %w", sql.ErrNoRows)
	}
	return nil
}
