// Package weaviate mirrors persisted chunks into a Weaviate class so the
// retrieval layer can run vector and hybrid queries over them.
package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conduit/internal/text"
	"conduit/internal/vector"

	"github.com/cockroachdb/errors"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// chunkNamespace scopes the deterministic object ids.
var chunkNamespace = uuid.MustParse("6f3c1d0e-9a57-4f0b-8c59-3e1e6a0b7d21")

// ChunkID is stable for a (document, index) pair, so re-ingest overwrites.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", documentID, index))).String()
}

// Document identifies the owner of a batch of chunks.
type Document struct {
	TenantID   string
	SourceID   string
	DocumentID string
	Path       string
}

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, &schemaClient{client: s.client})
}

// UpsertChunks writes one object per chunk and removes objects left over
// from a longer previous version of the document.
func (s *Store) UpsertChunks(ctx context.Context, doc Document, chunks []text.Chunk, vectors [][]float32) error {
	if len(chunks) > 0 {
		objects := make([]*models.Object, 0, len(chunks))
		for i, c := range chunks {
			meta, err := json.Marshal(c.Metadata())
			if err != nil {
				return errors.Wrapf(err, "encode metadata of chunk %d", i)
			}
			obj := &models.Object{
				Class: vector.ChunkClass,
				ID:    strfmt.UUID(ChunkID(doc.DocumentID, i)),
				Properties: map[string]any{
					"content":    c.Content,
					"tenantId":   doc.TenantID,
					"sourceId":   doc.SourceID,
					"documentId": doc.DocumentID,
					"path":       doc.Path,
					"chunkIndex": i,
					"mimeType":   c.MimeType,
					"metadata":   string(meta),
				},
			}
			if i < len(vectors) && len(vectors[i]) > 0 {
				obj.Vector = models.C11yVector(vectors[i])
			}
			objects = append(objects, obj)
		}

		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return errors.Wrap(err, "weaviate: batch upsert")
		}
		if err := batchErrors(resp); err != nil {
			return err
		}
	}

	return s.delete(ctx, filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			equal("tenantId", doc.TenantID),
			equal("documentId", doc.DocumentID),
			filters.Where().
				WithPath([]string{"chunkIndex"}).
				WithOperator(filters.GreaterThanEqual).
				WithValueInt(int64(len(chunks))),
		}))
}

func (s *Store) DeleteByPath(ctx context.Context, tenantID, path string) error {
	return s.delete(ctx, filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			equal("tenantId", tenantID),
			equal("path", path),
		}))
}

func (s *Store) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	return s.delete(ctx, filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			equal("tenantId", tenantID),
			equal("sourceId", sourceID),
		}))
}

// Count returns the number of mirrored chunks owned by the tenant.
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ChunkClass).
		WithWhere(equal("tenantId", tenantID)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "weaviate: aggregate")
	}
	if len(res.Errors) > 0 {
		return 0, errors.Newf("weaviate: graphql error: %s", res.Errors[0].Message)
	}

	agg, _ := res.Data["Aggregate"].(map[string]any)
	rows, _ := agg[vector.ChunkClass].([]any)
	if len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]any)
	meta, _ := row["meta"].(map[string]any)
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func (s *Store) delete(ctx context.Context, where *filters.WhereBuilder) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ChunkClass).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return errors.Wrap(err, "weaviate: batch delete")
	}
	return nil
}

func equal(prop, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{prop}).
		WithOperator(filters.Equal).
		WithValueString(value)
}

func batchErrors(resp []models.ObjectsGetResponse) error {
	var msgs []string
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.Newf("weaviate: %d object errors: %s", len(msgs), strings.Join(msgs, "; "))
}

type schemaClient struct {
	client *weaviate.Client
}

func (a *schemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *schemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *schemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *schemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
