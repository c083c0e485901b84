package source

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresRepo struct {
	db Querier
}

func NewPostgresRepo(db Querier) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sourceColumns = `id, tenant_id, type, name, identity, params, credentials, sync_state, active, created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, src *Source) error {
	params, creds, state, err := encode(src)
	if err != nil {
		return err
	}
	query := `INSERT INTO sources (tenant_id, type, name, identity, params, credentials, sync_state) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, active, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, src.TenantID, src.Type, src.Name, src.Identity, params, creds, state).
		Scan(&src.ID, &src.Active, &src.CreatedAt, &src.UpdatedAt)
}

func (r *PostgresRepo) LookupOrCreate(ctx context.Context, src *Source) error {
	params, creds, state, err := encode(src)
	if err != nil {
		return err
	}
	query := `INSERT INTO sources (tenant_id, type, name, identity, params, credentials, sync_state) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, type, identity) WHERE deleted_at IS NULL DO UPDATE SET params = EXCLUDED.params, updated_at = NOW()
RETURNING ` + sourceColumns
	row := r.db.QueryRowContext(ctx, query, src.TenantID, src.Type, src.Name, src.Identity, params, creds, state)
	found, err := scanSource(row)
	if err != nil {
		return err
	}
	*src = *found
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID, id string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	s, err := scanSource(r.db.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "source %s", id)
	}
	return s, err
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func (r *PostgresRepo) UpdateSyncState(ctx context.Context, tenantID, id string, state map[string]any) error {
	b, err := json.Marshal(nonNil(state))
	if err != nil {
		return err
	}
	query := `UPDATE sources SET sync_state = $1, updated_at = NOW() WHERE tenant_id = $2 AND id = $3 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, b, tenantID, id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (r *PostgresRepo) SoftDelete(ctx context.Context, tenantID, id string) error {
	query := `UPDATE sources SET deleted_at = NOW(), active = FALSE WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*Source, error) {
	var (
		s                    Source
		params, creds, state []byte
		err                  error
	)
	if err = row.Scan(&s.ID, &s.TenantID, &s.Type, &s.Name, &s.Identity, &params, &creds, &state, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(params, &s.Params); err != nil {
		return nil, errors.Wrap(err, "decode params")
	}
	if err := unmarshalIfSet(creds, &s.Credentials); err != nil {
		return nil, errors.Wrap(err, "decode credentials")
	}
	if len(state) > 0 {
		if s.SyncState, err = DecodeState(state); err != nil {
			return nil, errors.Wrap(err, "decode sync_state")
		}
	}
	return &s, nil
}

func encode(src *Source) (params, creds, state []byte, err error) {
	if params, err = json.Marshal(nonNil(src.Params)); err != nil {
		return nil, nil, nil, err
	}
	if src.Credentials == nil {
		creds = []byte("{}")
	} else if creds, err = json.Marshal(src.Credentials); err != nil {
		return nil, nil, nil, err
	}
	if state, err = json.Marshal(nonNil(src.SyncState)); err != nil {
		return nil, nil, nil, err
	}
	return params, creds, state, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func unmarshalIfSet(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "source %s", id)
	}
	return nil
}
