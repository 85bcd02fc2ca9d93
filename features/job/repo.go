package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("failed job not found")

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context, tenantID string) ([]Job, error)
	Get(ctx context.Context, tenantID, id string) (*Job, error)
	Delete(ctx context.Context, tenantID, id string) error
	Count(ctx context.Context, tenantID string) (int, error)
}

// PostgresRepo stores parked ingestion tasks in failed_jobs. Every read and
// delete is scoped to a tenant.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, tenant_id, source_id, handler, payload, error, retries, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var payload []byte
	if err := row.Scan(&j.ID, &j.TenantID, &j.SourceID, &j.Handler, &payload, &j.Error, &j.Retries, &j.CreatedAt); err != nil {
		return Job{}, err
	}
	j.Payload = payload
	return j, nil
}

func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	const q = `INSERT INTO failed_jobs (tenant_id, source_id, handler, payload, error, retries)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, q, job.TenantID, job.SourceID, job.Handler, []byte(job.Payload), job.Error, job.Retries).
		Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failed job: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM failed_jobs WHERE tenant_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID, id string) (*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM failed_jobs WHERE id = $1 AND tenant_id = $2`
	j, err := scanJob(r.db.QueryRowContext(ctx, q, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get failed job: %w", err)
	}
	return &j, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete failed job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *PostgresRepo) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_jobs WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return count, nil
}
