package job_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/features/job"
)

var jobCols = []string{"id", "tenant_id", "source_id", "status", "error", "log_path", "metrics", "created_at", "started_at", "finished_at"}

func TestPostgresRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ingestion_jobs (tenant_id, source_id, status) VALUES ($1, $2, $3) RETURNING id, created_at")).
		WithArgs("t1", "s1", "queued").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("j1", now))

	j := &job.Job{TenantID: "t1", SourceID: "s1"}
	require.NoError(t, repo.Create(context.Background(), j))
	assert.Equal(t, "j1", j.ID)
	assert.Equal(t, job.StatusQueued, j.Status)
}

func TestPostgresRepo_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	update := regexp.QuoteMeta("UPDATE ingestion_jobs SET")

	t.Run("Running", func(t *testing.T) {
		mock.ExpectExec(update).
			WithArgs("running", "", "/logs/t1/j1.log", nil, "t1", "j1", pq.Array([]string{"queued"})).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateStatus(context.Background(), "t1", "j1", job.Update{Status: job.StatusRunning, LogPath: "/logs/t1/j1.log"})
		assert.NoError(t, err)
	})

	t.Run("Succeeded with metrics", func(t *testing.T) {
		mock.ExpectExec(update).
			WithArgs("succeeded", "", "", []byte(`{"records":3}`), "t1", "j1", pq.Array([]string{"running"})).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateStatus(context.Background(), "t1", "j1", job.Update{Status: job.StatusSucceeded, Metrics: map[string]any{"records": 3}})
		assert.NoError(t, err)
	})

	t.Run("Terminal job rejects change", func(t *testing.T) {
		now := time.Now()
		mock.ExpectExec(update).
			WithArgs("canceled", "", "", nil, "t1", "j1", pq.Array([]string{"queued", "running"})).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM ingestion_jobs WHERE tenant_id = $1 AND id = $2")).
			WithArgs("t1", "j1").
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow("j1", "t1", "s1", "succeeded", nil, nil, nil, now, now, now))

		err := repo.UpdateStatus(context.Background(), "t1", "j1", job.Update{Status: job.StatusCanceled})
		assert.True(t, errors.Is(err, job.ErrInvalidTransition))
	})

	t.Run("Into queued is never allowed", func(t *testing.T) {
		err := repo.UpdateStatus(context.Background(), "t1", "j1", job.Update{Status: job.StatusQueued})
		assert.True(t, errors.Is(err, job.ErrInvalidTransition))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	query := regexp.QuoteMeta("FROM ingestion_jobs WHERE tenant_id = $1 AND id = $2")

	t.Run("Success", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery(query).
			WithArgs("t1", "j1").
			WillReturnRows(sqlmock.NewRows(jobCols).
				AddRow("j1", "t1", "s1", "failed", "boom", "/l/j1.log", []byte(`{"pages":2}`), now, now, now))

		j, err := repo.Get(context.Background(), "t1", "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "boom", j.Error)
		assert.Equal(t, "/l/j1.log", j.LogPath)
		assert.Equal(t, float64(2), j.Metrics["pages"])
		require.NotNil(t, j.StartedAt)
		require.NotNil(t, j.FinishedAt)
	})

	t.Run("Queued job has no timestamps", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs("t1", "j2").
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow("j2", "t1", "s1", "queued", nil, nil, nil, time.Now(), nil, nil))

		j, err := repo.Get(context.Background(), "t1", "j2")
		require.NoError(t, err)
		assert.Nil(t, j.StartedAt)
		assert.Nil(t, j.FinishedAt)
		assert.Nil(t, j.Metrics)
	})

	t.Run("Other tenant is not found", func(t *testing.T) {
		mock.ExpectQuery(query).WithArgs("t2", "j1").WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(context.Background(), "t2", "j1")
		assert.True(t, errors.Is(err, job.ErrNotFound))
	})
}

func TestPostgresRepo_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ingestion_jobs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2")).
		WithArgs("t1", 50).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("j2", "t1", "s1", "running", nil, nil, nil, now, now, nil).
			AddRow("j1", "t1", "s1", "succeeded", nil, nil, []byte(`{}`), now, now, now))

	jobs, err := repo.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].ID)
}
