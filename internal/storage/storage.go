// Package storage hands out tenant-scoped sessions over the source, job
// and document repositories.
package storage

import (
	"context"

	"conduit/features/document"
	"conduit/features/job"
	"conduit/features/source"
)

type Session interface {
	Sources() source.Repository
	Jobs() job.Repository
	Documents() document.Repository
	// WithTx runs fn against a document repository bound to a single
	// transaction, committing only if fn returns nil.
	WithTx(ctx context.Context, fn func(docs document.Repository) error) error
	Close() error
}

type Store interface {
	Session(ctx context.Context, tenantID string) (Session, error)
}
