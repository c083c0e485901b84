package weaviate_test

import (
	"context"
	"testing"

	"conduit/internal/adapter/weaviate"
	"conduit/internal/testutils"
	"conduit/internal/text"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeaviateStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	store := weaviate.NewStore(s.Weaviate)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	// idempotent
	require.NoError(t, store.EnsureSchema(ctx))

	doc := weaviate.Document{TenantID: "t1", SourceID: "s1", DocumentID: "d1", Path: "notes.md"}
	chunks := []text.Chunk{{Content: "Postgres is a database"}, {Content: "Weaviate is a vector store"}, {Content: "third"}}
	vectors := [][]float32{{0.1, 0.2, 0.3}, {0.2, 0.3, 0.4}, {0.3, 0.4, 0.5}}

	require.NoError(t, store.UpsertChunks(ctx, doc, chunks, vectors))
	n, err := store.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// re-ingest with fewer chunks overwrites and trims
	require.NoError(t, store.UpsertChunks(ctx, doc, chunks[:1], vectors[:1]))
	n, err = store.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other := weaviate.Document{TenantID: "t2", SourceID: "s2", DocumentID: "d2", Path: "notes.md"}
	require.NoError(t, store.UpsertChunks(ctx, other, chunks[:2], vectors[:2]))

	require.NoError(t, store.DeleteByPath(ctx, "t1", "notes.md"))
	n, err = store.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.Count(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "other tenants are untouched")

	require.NoError(t, store.DeleteBySource(ctx, "t2", "s2"))
	n, err = store.Count(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
