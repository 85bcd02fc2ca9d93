package settings_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvault/internal/settings"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := settings.NewPostgresRepo(db)

	sqlMock.ExpectQuery(`SELECT id, gemini_api_key, search_threshold, search_top_k, semantic_rerank FROM settings WHERE id = 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "gemini_api_key", "search_threshold", "search_top_k", "semantic_rerank"}).
			AddRow(1, "key", 0.7, 10, true))

	s, err := repo.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &settings.Settings{ID: 1, GeminiAPIKey: "key", SearchThreshold: 0.7, SearchTopK: 10, SemanticRerank: true}, s)

	sqlMock.ExpectQuery(`SELECT id`).WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background())
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresRepo_Update(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := settings.NewPostgresRepo(db)

	s := &settings.Settings{GeminiAPIKey: "k2", SearchThreshold: 0.55, SearchTopK: 20, SemanticRerank: true}

	sqlMock.ExpectExec(`UPDATE settings SET gemini_api_key`).
		WithArgs(s.GeminiAPIKey, s.SearchThreshold, s.SearchTopK, s.SemanticRerank).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.Update(context.Background(), s))

	// The row is seeded by a migration; a missing row is an error.
	sqlMock.ExpectExec(`UPDATE settings`).
		WithArgs(s.GeminiAPIKey, s.SearchThreshold, s.SearchTopK, s.SemanticRerank).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Update(context.Background(), s), sql.ErrNoRows)

	assert.NoError(t, sqlMock.ExpectationsWereMet())
}
