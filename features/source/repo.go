package source

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"docvault/internal/passage"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Upsert records the latest ingestion of a source. Concurrent ingestions of
// the same source are last-writer-wins and the chunk count is replaced, not
// accumulated.
func (r *PostgresRepo) Upsert(ctx context.Context, rec *passage.SourceRecord) error {
	query := `INSERT INTO source_records (tenant_id, source_id, source_kind, chunk_count, last_ingested_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, source_id) DO UPDATE
		SET source_kind = EXCLUDED.source_kind, chunk_count = EXCLUDED.chunk_count, last_ingested_at = EXCLUDED.last_ingested_at
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, rec.TenantID, rec.SourceID, string(rec.SourceKind), rec.ChunkCount, rec.LastIngestedAt).Scan(&rec.CreatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID, sourceID string) (*passage.SourceRecord, error) {
	rec := &passage.SourceRecord{}
	var kind string
	query := `SELECT tenant_id, source_id, source_kind, chunk_count, last_ingested_at, created_at FROM source_records WHERE tenant_id = $1 AND source_id = $2`
	err := r.db.QueryRowContext(ctx, query, tenantID, sourceID).Scan(&rec.TenantID, &rec.SourceID, &kind, &rec.ChunkCount, &rec.LastIngestedAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.SourceKind = passage.SourceKind(kind)
	return rec, nil
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string) ([]passage.SourceRecord, error) {
	query := `SELECT tenant_id, source_id, source_kind, chunk_count, last_ingested_at, created_at FROM source_records WHERE tenant_id = $1 ORDER BY last_ingested_at DESC`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []passage.SourceRecord
	for rows.Next() {
		var rec passage.SourceRecord
		var kind string
		if err := rows.Scan(&rec.TenantID, &rec.SourceID, &kind, &rec.ChunkCount, &rec.LastIngestedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SourceKind = passage.SourceKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM source_records WHERE tenant_id = $1`
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&count)
	return count, err
}

func (r *PostgresRepo) Delete(ctx context.Context, tenantID, sourceID string) (int, error) {
	return r.exec(ctx, `DELETE FROM source_records WHERE tenant_id = $1 AND source_id = $2`, tenantID, sourceID)
}

func (r *PostgresRepo) DeleteMany(ctx context.Context, tenantID string, sourceIDs []string) (int, error) {
	return r.exec(ctx, `DELETE FROM source_records WHERE tenant_id = $1 AND source_id = ANY($2)`, tenantID, pq.Array(sourceIDs))
}

func (r *PostgresRepo) DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error) {
	return r.exec(ctx, `DELETE FROM source_records WHERE tenant_id = $1 AND source_kind = $2`, tenantID, string(kind))
}

func (r *PostgresRepo) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	return r.exec(ctx, `DELETE FROM source_records WHERE tenant_id = $1`, tenantID)
}

func (r *PostgresRepo) exec(ctx context.Context, query string, args ...interface{}) (int, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
