package storage

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"conduit/features/document"
	"conduit/features/job"
	"conduit/features/source"
)

const setTenant = `SELECT set_config('app.tenant_id', $1, false)`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Session pins one pooled connection and scopes it to tenantID before any
// other statement runs on it.
func (s *PostgresStore) Session(ctx context.Context, tenantID string) (Session, error) {
	if tenantID == "" {
		return nil, errors.New("storage: empty tenant id")
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	if _, err := conn.ExecContext(ctx, setTenant, tenantID); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "scope connection to tenant")
	}
	return &pgSession{
		conn:    conn,
		sources: source.NewPostgresRepo(conn),
		jobs:    job.NewPostgresRepo(conn),
		docs:    document.NewPostgresRepo(conn),
	}, nil
}

type pgSession struct {
	conn    *sql.Conn
	sources *source.PostgresRepo
	jobs    *job.PostgresRepo
	docs    *document.PostgresRepo
}

func (s *pgSession) Sources() source.Repository     { return s.sources }
func (s *pgSession) Jobs() job.Repository           { return s.jobs }
func (s *pgSession) Documents() document.Repository { return s.docs }

func (s *pgSession) WithTx(ctx context.Context, fn func(docs document.Repository) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(document.NewPostgresRepo(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// Close clears the tenant scope and returns the connection to the pool.
func (s *pgSession) Close() error {
	_, resetErr := s.conn.ExecContext(context.Background(), setTenant, "")
	if err := s.conn.Close(); err != nil {
		return err
	}
	return resetErr
}
