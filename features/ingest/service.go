// Package ingest orchestrates ingestion jobs: it resolves a source,
// streams its content through a connector or parser, persists chunks and
// drives the job through its lifecycle.
package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"conduit/features/document"
	"conduit/features/job"
	"conduit/features/source"
	"conduit/internal/adapter/weaviate"
	"conduit/internal/connector"
	"conduit/internal/embed"
	"conduit/internal/events"
	"conduit/internal/parser"
	"conduit/internal/runner"
	"conduit/internal/storage"
	"conduit/internal/text"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid request")
)

// VectorIndex mirrors persisted chunks into a vector store.
type VectorIndex interface {
	UpsertChunks(ctx context.Context, doc weaviate.Document, chunks []text.Chunk, vectors [][]float32) error
	DeleteByPath(ctx context.Context, tenantID, path string) error
	DeleteBySource(ctx context.Context, tenantID, sourceID string) error
}

type Deps struct {
	Store      storage.Store
	Runner     *runner.Runner
	Connectors *connector.Registry
	Parsers    *parser.Registry
	Embedder   embed.Embedder
	// Index and Events are optional.
	Index  VectorIndex
	Events *events.Emitter
	Logger *slog.Logger
}

type Options struct {
	LogDir         string
	Chunking       text.Options
	EmbedBatchSize int
}

type Service struct {
	store      storage.Store
	runner     *runner.Runner
	connectors *connector.Registry
	parsers    *parser.Registry
	embedder   embed.Embedder
	index      VectorIndex
	events     *events.Emitter
	logger     *slog.Logger
	opts       Options

	mu     sync.Mutex
	owners map[string]string // active job id -> tenant id
}

func NewService(d Deps, opts Options) (*Service, error) {
	if d.Store == nil || d.Runner == nil || d.Connectors == nil || d.Parsers == nil || d.Embedder == nil {
		return nil, errors.New("ingest: store, runner, connectors, parsers and embedder are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join("data", "jobs")
	}
	return &Service{
		store:      d.Store,
		runner:     d.Runner,
		connectors: d.Connectors,
		parsers:    d.Parsers,
		embedder:   d.Embedder,
		index:      d.Index,
		events:     d.Events,
		logger:     d.Logger,
		opts:       opts,
		owners:     make(map[string]string),
	}, nil
}

// CreateSource registers a source configured by an operator.
func (s *Service) CreateSource(ctx context.Context, tenantID string, src *source.Source) error {
	if src.Type == "" || src.Name == "" {
		return errors.Wrap(ErrInvalid, "source type and name are required")
	}
	src.TenantID = tenantID
	if src.Identity == "" {
		src.Identity = src.Name
	}
	return s.withSession(ctx, tenantID, func(sess storage.Session) error {
		return sess.Sources().Create(ctx, src)
	})
}

func (s *Service) ListSources(ctx context.Context, tenantID string) ([]source.Source, error) {
	var out []source.Source
	err := s.withSession(ctx, tenantID, func(sess storage.Session) (err error) {
		out, err = sess.Sources().List(ctx, tenantID)
		return err
	})
	return out, err
}

// DeleteSource soft-deletes a source. Its documents and past jobs stay.
func (s *Service) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	return s.withSession(ctx, tenantID, func(sess storage.Session) error {
		return notFound(sess.Sources().SoftDelete(ctx, tenantID, sourceID))
	})
}

// SubmitSource queues an ingestion job for an existing source. When the
// runner rejects the job, the already created row is marked failed and its
// id is returned along with the error.
func (s *Service) SubmitSource(ctx context.Context, tenantID, sourceID string) (string, error) {
	var jobID string
	err := s.withSession(ctx, tenantID, func(sess storage.Session) error {
		src, err := sess.Sources().Get(ctx, tenantID, sourceID)
		if err != nil {
			return notFound(err)
		}
		jobID, err = s.submit(ctx, sess, src)
		return err
	})
	return jobID, err
}

// SubmitFile ingests a local file, creating its source on first use.
func (s *Service) SubmitFile(ctx context.Context, tenantID, path string) (string, error) {
	if path == "" {
		return "", errors.Wrap(ErrInvalid, "empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "resolve path")
	}
	src := &source.Source{
		TenantID: tenantID,
		Type:     source.TypeLocalFile,
		Name:     filepath.Base(abs),
		Identity: abs,
		Params:   map[string]any{"path": abs},
	}
	return s.lookupAndSubmit(ctx, src)
}

// SubmitURLs ingests a list of web pages as one source keyed by its first
// URL.
func (s *Service) SubmitURLs(ctx context.Context, tenantID, name string, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", errors.Wrap(ErrInvalid, "no urls")
	}
	if name == "" {
		name = urls[0]
	}
	list := make([]any, len(urls))
	for i, u := range urls {
		list[i] = u
	}
	src := &source.Source{
		TenantID: tenantID,
		Type:     source.TypeURL,
		Name:     name,
		Identity: urls[0],
		Params:   map[string]any{"urls": list},
	}
	return s.lookupAndSubmit(ctx, src)
}

func (s *Service) lookupAndSubmit(ctx context.Context, src *source.Source) (string, error) {
	var jobID string
	err := s.withSession(ctx, src.TenantID, func(sess storage.Session) error {
		if err := sess.Sources().LookupOrCreate(ctx, src); err != nil {
			return errors.Wrap(err, "lookup source")
		}
		var err error
		jobID, err = s.submit(ctx, sess, src)
		return err
	})
	return jobID, err
}

// Reindex drops everything previously ingested for a source, clears its
// connector sync state and queues a fresh job.
func (s *Service) Reindex(ctx context.Context, tenantID, sourceID string) (string, error) {
	var jobID string
	err := s.withSession(ctx, tenantID, func(sess storage.Session) error {
		src, err := sess.Sources().Get(ctx, tenantID, sourceID)
		if err != nil {
			return notFound(err)
		}

		var deleted int64
		err = sess.WithTx(ctx, func(docs document.Repository) error {
			for _, p := range documentPaths(src) {
				n, err := docs.DeleteByPath(ctx, tenantID, p)
				if err != nil {
					return err
				}
				deleted += n
			}
			if src.Type.UsesConnector() {
				n, err := docs.DeleteBySource(ctx, tenantID, src.ID)
				deleted += n
				return err
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "delete documents")
		}
		if err := s.unindex(ctx, src); err != nil {
			return errors.Wrap(err, "delete indexed chunks")
		}

		if src.Type.UsesConnector() {
			if err := sess.Sources().UpdateSyncState(ctx, tenantID, src.ID, map[string]any{}); err != nil {
				return errors.Wrap(err, "reset sync state")
			}
			src.SyncState = map[string]any{}
		}
		s.logger.InfoContext(ctx, "reindexing source", "tenant_id", tenantID, "source_id", src.ID, "documents_deleted", deleted)

		jobID, err = s.submit(ctx, sess, src)
		return err
	})
	return jobID, err
}

// Rerun reindexes the source a previous job ran against.
func (s *Service) Rerun(ctx context.Context, tenantID, jobID string) (string, error) {
	j, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return "", err
	}
	return s.Reindex(ctx, tenantID, j.SourceID)
}

// Cancel asks a running or queued job to stop. It reports false when the
// job is not active or belongs to another tenant.
func (s *Service) Cancel(tenantID, jobID string) bool {
	s.mu.Lock()
	owner, ok := s.owners[jobID]
	s.mu.Unlock()
	if !ok || owner != tenantID {
		return false
	}
	return s.runner.Cancel(jobID)
}

// Wait blocks until the job is terminal or ctx ends and returns the
// stored job.
func (s *Service) Wait(ctx context.Context, tenantID, jobID string) (*job.Job, error) {
	j, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, nil
	}
	if h, ok := s.runner.Get(jobID); ok {
		if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return s.GetJob(ctx, tenantID, jobID)
}

func (s *Service) GetJob(ctx context.Context, tenantID, jobID string) (*job.Job, error) {
	var j *job.Job
	err := s.withSession(ctx, tenantID, func(sess storage.Session) (err error) {
		j, err = sess.Jobs().Get(ctx, tenantID, jobID)
		return notFound(err)
	})
	return j, err
}

func (s *Service) ListJobs(ctx context.Context, tenantID string, limit int) ([]job.Job, error) {
	var out []job.Job
	err := s.withSession(ctx, tenantID, func(sess storage.Session) (err error) {
		out, err = sess.Jobs().List(ctx, tenantID, limit)
		return err
	})
	return out, err
}

// TailLog reads a slice of the job log. Status is set once the job is
// terminal so callers know to stop polling.
func (s *Service) TailLog(ctx context.Context, tenantID, jobID string, offset, limit int64) (job.LogChunk, error) {
	j, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return job.LogChunk{}, err
	}
	chunk, err := job.ReadLog(j.LogPath, offset, limit)
	if err != nil {
		return job.LogChunk{}, err
	}
	if j.Status.Terminal() {
		chunk.Status = j.Status
	}
	return chunk, nil
}

// Search is a lexical lookup over stored chunks.
func (s *Service) Search(ctx context.Context, tenantID, query string, limit int) ([]document.SearchResult, error) {
	var out []document.SearchResult
	err := s.withSession(ctx, tenantID, func(sess storage.Session) (err error) {
		out, err = sess.Documents().Search(ctx, tenantID, query, limit)
		return err
	})
	return out, err
}

func (s *Service) withSession(ctx context.Context, tenantID string, fn func(storage.Session) error) error {
	if tenantID == "" {
		return errors.Wrap(ErrInvalid, "empty tenant id")
	}
	sess, err := s.store.Session(ctx, tenantID)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.logger.WarnContext(ctx, "failed to close storage session", "error", err)
		}
	}()
	return fn(sess)
}

func (s *Service) unindex(ctx context.Context, src *source.Source) error {
	if s.index == nil {
		return nil
	}
	for _, p := range documentPaths(src) {
		if err := s.index.DeleteByPath(ctx, src.TenantID, p); err != nil {
			return err
		}
	}
	if src.Type.UsesConnector() {
		return s.index.DeleteBySource(ctx, src.TenantID, src.ID)
	}
	return nil
}

// documentPaths lists the document paths a local file or url source
// writes to. Connector sources are addressed by source id instead.
func documentPaths(src *source.Source) []string {
	switch src.Type {
	case source.TypeLocalFile:
		if p := src.Path(); p != "" {
			return []string{p}
		}
	case source.TypeURL:
		return src.URLs()
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, source.ErrNotFound) || errors.Is(err, job.ErrNotFound) {
		return errors.Mark(err, ErrNotFound)
	}
	return err
}
