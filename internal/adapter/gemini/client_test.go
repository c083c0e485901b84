package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"conduit/internal/adapter/gemini"
)

func TestEmbedder_Embed(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": []map[string]interface{}{
				{"values": []float32{0.1, 0.2, 0.3}},
				{"values": []float32{0.4, 0.5, 0.6}},
			},
		})
	}))
	defer ts.Close()

	ctx := context.Background()
	embedder, err := gemini.NewEmbedder(ctx, "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer embedder.Close()

	t.Run("Batch", func(t *testing.T) {
		vecs, err := embedder.Embed(ctx, []string{"hello", "world"})
		require.NoError(t, err)
		require.Len(t, vecs, 2)
		assert.Equal(t, float32(0.1), vecs[0][0])
		assert.Equal(t, float32(0.6), vecs[1][2])
		require.NotEmpty(t, paths)
		assert.True(t, strings.HasSuffix(paths[0], ":batchEmbedContents"))
	})

	t.Run("Count mismatch", func(t *testing.T) {
		_, err := embedder.Embed(ctx, []string{"only one"})
		assert.Error(t, err)
	})

	t.Run("Empty input skips the call", func(t *testing.T) {
		before := len(paths)
		vecs, err := embedder.Embed(ctx, nil)
		assert.NoError(t, err)
		assert.Nil(t, vecs)
		assert.Equal(t, before, len(paths))
	})
}
