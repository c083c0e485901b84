package job

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository interface {
	Create(ctx context.Context, job *Job) error
	// UpdateStatus applies u only if the stored status may transition to
	// u.Status, and returns ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, tenantID, id string, u Update) error
	Get(ctx context.Context, tenantID, id string) (*Job, error)
	List(ctx context.Context, tenantID string, limit int) ([]Job, error)
}

type PostgresRepo struct {
	db Querier
}

func NewPostgresRepo(db Querier) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, tenant_id, source_id, status, error, log_path, metrics, created_at, started_at, finished_at`

func (r *PostgresRepo) Create(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = StatusQueued
	}
	query := `INSERT INTO ingestion_jobs (tenant_id, source_id, status) VALUES ($1, $2, $3) RETURNING id, created_at`
	return r.db.QueryRowContext(ctx, query, job.TenantID, job.SourceID, job.Status).Scan(&job.ID, &job.CreatedAt)
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, tenantID, id string, u Update) error {
	from := Predecessors(u.Status)
	if len(from) == 0 {
		return errors.Wrapf(ErrInvalidTransition, "no transition into %s", u.Status)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var metrics any
	if u.Metrics != nil {
		b, err := json.Marshal(u.Metrics)
		if err != nil {
			return err
		}
		metrics = b
	}

	query := `UPDATE ingestion_jobs SET
	status = $1,
	started_at = CASE WHEN $1 = 'running' THEN NOW() ELSE started_at END,
	finished_at = CASE WHEN $1 IN ('succeeded', 'failed', 'canceled') THEN NOW() ELSE finished_at END,
	error = COALESCE(NULLIF($2, ''), error),
	log_path = COALESCE(NULLIF($3, ''), log_path),
	metrics = COALESCE($4, metrics)
WHERE tenant_id = $5 AND id = $6 AND status = ANY($7)`
	res, err := r.db.ExecContext(ctx, query, string(u.Status), u.Error, u.LogPath, metrics, tenantID, id, pq.Array(allowed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := r.Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", current.Status, u.Status)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE tenant_id = $1 AND id = $2`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, err
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j        Job
		errMsg   sql.NullString
		logPath  sql.NullString
		metrics  []byte
		started  sql.NullTime
		finished sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.TenantID, &j.SourceID, &j.Status, &errMsg, &logPath, &metrics, &j.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	j.LogPath = logPath.String
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &j.Metrics); err != nil {
			return nil, errors.Wrap(err, "decode metrics")
		}
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}
