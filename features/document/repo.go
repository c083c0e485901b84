package document

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"conduit/internal/text"
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

func (r *PostgresRepo) UpsertDocument(ctx context.Context, p UpsertParams) (Version, error) {
	var v Version

	query := `INSERT INTO documents (tenant_id, path, source_id) VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, path) DO UPDATE SET source_id = EXCLUDED.source_id, updated_at = NOW()
RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, p.TenantID, p.Path, nullable(p.SourceID)).Scan(&v.DocumentID); err != nil {
		return v, errors.Wrap(err, "upsert document")
	}

	var latestHash sql.NullString
	query = `SELECT id, version, content_hash FROM document_versions WHERE document_id = $1 ORDER BY version DESC LIMIT 1`
	err := r.db.QueryRowContext(ctx, query, v.DocumentID).Scan(&v.VersionID, &v.Number, &latestHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return v, errors.Wrap(err, "load latest version")
	case p.ContentHash != "" && latestHash.Valid && latestHash.String == p.ContentHash:
		return v, nil
	}

	var state any
	if p.SyncState != nil {
		b, err := json.Marshal(p.SyncState)
		if err != nil {
			return v, err
		}
		state = b
	}
	query = `INSERT INTO document_versions (document_id, version, bytes_len, page_count, connector_type, content_hash, sync_state) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	next := v.Number + 1
	if err := r.db.QueryRowContext(ctx, query, v.DocumentID, next, p.BytesLen, p.PageCount, nullable(p.ConnectorType), nullable(p.ContentHash), state).Scan(&v.VersionID); err != nil {
		return v, errors.Wrap(err, "insert document version")
	}
	v.Number = next
	v.Changed = true
	return v, nil
}

func (r *PostgresRepo) InsertChunks(ctx context.Context, tenantID, documentID string, chunks []text.Chunk, embeddings [][]float32) error {
	if embeddings != nil && len(embeddings) != len(chunks) {
		return errors.Newf("got %d embeddings for %d chunks", len(embeddings), len(chunks))
	}

	query := `INSERT INTO chunks (tenant_id, document_id, chunk_index, content, metadata, embedding) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (document_id, chunk_index) DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding, updated_at = NOW()`
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata())
		if err != nil {
			return err
		}
		var vec any
		if embeddings != nil {
			vec = pq.Array(embeddings[i])
		}
		if _, err := r.db.ExecContext(ctx, query, tenantID, documentID, i, c.Content, meta, vec); err != nil {
			return errors.Wrapf(err, "insert chunk %d", i)
		}
	}

	query = `DELETE FROM chunks WHERE tenant_id = $1 AND document_id = $2 AND chunk_index >= $3`
	if _, err := r.db.ExecContext(ctx, query, tenantID, documentID, len(chunks)); err != nil {
		return errors.Wrap(err, "trim stale chunks")
	}
	return nil
}

func (r *PostgresRepo) DeleteByPath(ctx context.Context, tenantID, path string) (int64, error) {
	query := `DELETE FROM documents WHERE tenant_id = $1 AND path = $2`
	res, err := r.db.ExecContext(ctx, query, tenantID, path)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) DeleteBySource(ctx context.Context, tenantID, sourceID string) (int64, error) {
	query := `DELETE FROM documents WHERE tenant_id = $1 AND source_id = $2`
	res, err := r.db.ExecContext(ctx, query, tenantID, sourceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) Search(ctx context.Context, tenantID, q string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT c.document_id, d.path, c.chunk_index, c.content, c.metadata
FROM chunks c JOIN documents d ON d.id = c.document_id
WHERE c.tenant_id = $1 AND c.content ILIKE '%' || $2 || '%'
ORDER BY d.path, c.chunk_index
LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			res  SearchResult
			meta []byte
		)
		if err := rows.Scan(&res.DocumentID, &res.Path, &res.ChunkIndex, &res.Content, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &res.Metadata); err != nil {
				return nil, errors.Wrap(err, "decode chunk metadata")
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
