// Package vector defines the vector index schema for mirrored chunks.
package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ChunkClass is the class holding mirrored chunks.
const ChunkClass = "IngestedChunk"

type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// Exact-match identifiers use the string type; content is tokenized text.
func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "content", DataType: []string{"text"}},
		{Name: "tenantId", DataType: []string{"string"}},
		{Name: "sourceId", DataType: []string{"string"}},
		{Name: "documentId", DataType: []string{"string"}},
		{Name: "path", DataType: []string{"string"}},
		{Name: "chunkIndex", DataType: []string{"int"}},
		{Name: "mimeType", DataType: []string{"string"}},
		{Name: "metadata", DataType: []string{"text"}},
	}
}

// EnsureSchema creates the chunk class, or adds properties missing from an
// older version of it.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ChunkClass)
	if err != nil {
		return err
	}
	properties := chunkProperties()

	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       ChunkClass,
			Description: "A chunk of an ingested document",
			Vectorizer:  "none",
			Properties:  properties,
		})
	}

	class, err := client.GetClass(ctx, ChunkClass)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		have[p.Name] = true
	}
	for _, p := range properties {
		if have[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, ChunkClass, p); err != nil {
			return err
		}
	}
	return nil
}
