package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"conduit/features/document"
	"conduit/features/job"
	"conduit/features/source"
	"conduit/internal/adapter/weaviate"
	"conduit/internal/embed"
	"conduit/internal/events"
	"conduit/internal/logger"
	"conduit/internal/parser"
	"conduit/internal/storage"
	"conduit/internal/text"
)

func (s *Service) submit(ctx context.Context, sess storage.Session, src *source.Source) (string, error) {
	j := &job.Job{TenantID: src.TenantID, SourceID: src.ID, Status: job.StatusQueued}
	if err := sess.Jobs().Create(ctx, j); err != nil {
		return "", errors.Wrap(err, "create job")
	}

	s.mu.Lock()
	s.owners[j.ID] = src.TenantID
	s.mu.Unlock()

	tenantID, sourceID, jobID := src.TenantID, src.ID, j.ID
	s.emit(ctx, j, job.StatusQueued, "", nil)
	_, err := s.runner.Submit(jobID, func(jctx context.Context) error {
		defer s.release(jobID)
		return s.run(jctx, tenantID, jobID, sourceID)
	})
	if err != nil {
		s.release(jobID)
		msg := err.Error()
		if uerr := sess.Jobs().UpdateStatus(ctx, tenantID, jobID, job.Update{Status: job.StatusFailed, Error: msg}); uerr != nil {
			err = errors.CombineErrors(err, uerr)
		}
		s.emit(ctx, j, job.StatusFailed, msg, nil)
		return jobID, err
	}

	s.logger.InfoContext(ctx, "job queued", "tenant_id", tenantID, "job_id", jobID, "source_id", sourceID, "type", src.Type)
	return jobID, nil
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	delete(s.owners, jobID)
	s.mu.Unlock()
}

// run is the job body. ctx is the job's cancellation token; bookkeeping
// writes use a detached copy so they land even after cancellation.
func (s *Service) run(ctx context.Context, tenantID, jobID, sourceID string) error {
	ctx = logger.WithJob(logger.WithTenant(ctx, tenantID), jobID, sourceID)
	bg := context.WithoutCancel(ctx)
	j := &job.Job{ID: jobID, TenantID: tenantID, SourceID: sourceID}

	sess, err := s.store.Session(bg, tenantID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to open storage session", "error", err)
		return s.abandon(bg, j, errors.Wrap(err, "open storage session"))
	}
	defer sess.Close()

	// 1. Canceled while still queued
	if ctx.Err() != nil {
		return s.finish(bg, sess, j, nil, canceled())
	}

	// 2. Log sink
	sink, err := job.OpenLog(s.opts.LogDir, tenantID, jobID)
	if err != nil {
		return s.finish(bg, sess, j, nil, failed(err, nil))
	}
	defer func() {
		if err := sink.Close(); err != nil {
			s.logger.WarnContext(bg, "failed to close job log", "error", err)
		}
	}()
	log := sink.Logger().With("job_id", jobID)

	// 3. Running
	if err := sess.Jobs().UpdateStatus(bg, tenantID, jobID, job.Update{Status: job.StatusRunning, LogPath: sink.Path()}); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark job running", "error", err)
		return s.finish(bg, sess, j, log, failed(errors.Wrap(err, "mark job running"), nil))
	}
	s.emit(bg, j, job.StatusRunning, "", nil)
	log.Info("job started", "source_id", sourceID)
	started := time.Now()

	// 4. Work
	out := s.execute(ctx, sess, tenantID, sourceID, log)
	if out.Metrics != nil {
		out.Metrics["duration_ms"] = time.Since(started).Milliseconds()
	}

	// 5. Terminal state
	return s.finish(bg, sess, j, log, out)
}

// abandon fails a job whose session could not be opened, on a second
// session. If that one fails too the row stays queued.
func (s *Service) abandon(ctx context.Context, j *job.Job, cause error) error {
	sess, err := s.store.Session(ctx, j.TenantID)
	if err != nil {
		s.logger.ErrorContext(ctx, "job left queued, storage unavailable", "error", err)
		return errors.CombineErrors(cause, err)
	}
	defer sess.Close()
	return s.finish(ctx, sess, j, nil, failed(cause, nil))
}

func (s *Service) execute(ctx context.Context, sess storage.Session, tenantID, sourceID string, log *slog.Logger) Outcome {
	src, err := sess.Sources().Get(ctx, tenantID, sourceID)
	if err != nil {
		return s.stopped(ctx, err, nil)
	}
	log.Info("resolved source", "type", src.Type, "name", src.Name)

	switch {
	case src.Type == source.TypeLocalFile:
		return s.ingestFile(ctx, sess, src, log)
	case src.Type == source.TypeURL:
		return s.ingestURLs(ctx, sess, src, log)
	default:
		return s.ingestConnector(ctx, sess, src, log)
	}
}

func (s *Service) ingestConnector(ctx context.Context, sess storage.Session, src *source.Source, log *slog.Logger) Outcome {
	conn, err := s.connectors.Build(*src)
	if err != nil {
		return failed(err, nil)
	}

	for rec, err := range conn.Stream(ctx) {
		if err != nil {
			return s.stopped(ctx, err, conn.Metadata())
		}
		p := persistParams{
			path:      rec.DocumentPath,
			chunks:    rec.Chunks,
			bytesLen:  rec.ByteLen,
			pageCount: rec.PageCount,
			syncState: rec.SyncState,
		}
		if err := s.persist(ctx, sess, src, p); err != nil {
			return s.stopped(ctx, err, conn.Metadata())
		}
		log.Info("persisted record", "path", rec.DocumentPath, "chunks", len(rec.Chunks))
	}
	if ctx.Err() != nil {
		return canceled()
	}
	return succeeded(conn.Metadata(), conn.NextSyncState())
}

func (s *Service) ingestFile(ctx context.Context, sess storage.Session, src *source.Source, log *slog.Logger) Outcome {
	path := src.Path()
	if path == "" {
		return failed(errors.Wrap(ErrConfig, "local_file source has no path"), nil)
	}
	doc, err := s.parsers.ParseFile(ctx, path)
	if err != nil {
		return s.stopped(ctx, err, nil)
	}

	chunks := s.chunkSegments(path, doc)
	pages := parser.PageCount(doc.Segments)
	p := persistParams{
		path:        path,
		chunks:      chunks,
		bytesLen:    doc.ByteLen,
		pageCount:   pages,
		contentHash: doc.Checksum,
		syncState:   map[string]any{"checksum": doc.Checksum},
	}
	if err := s.persist(ctx, sess, src, p); err != nil {
		return s.stopped(ctx, err, nil)
	}
	log.Info("persisted file", "path", path, "chunks", len(chunks), "pages", pages)

	metrics := map[string]any{"documents": 1, "chunks": len(chunks), "pages": pages, "bytes": doc.ByteLen}
	return succeeded(metrics, map[string]any{"checksum": doc.Checksum})
}

func (s *Service) ingestURLs(ctx context.Context, sess storage.Session, src *source.Source, log *slog.Logger) Outcome {
	urls := src.URLs()
	if len(urls) == 0 {
		return failed(errors.Wrap(ErrConfig, "url source has no urls"), nil)
	}

	var docs, total int
	var bytes int64
	metrics := func() map[string]any {
		return map[string]any{"documents": docs, "chunks": total, "bytes": bytes}
	}
	checksums := map[string]any{}
	for _, u := range urls {
		if ctx.Err() != nil {
			return canceled()
		}
		doc, err := s.parsers.FetchURL(ctx, u)
		if err != nil {
			return s.stopped(ctx, err, metrics())
		}
		chunks := s.chunkSegments(u, doc)
		p := persistParams{
			path:        u,
			chunks:      chunks,
			bytesLen:    doc.ByteLen,
			pageCount:   parser.PageCount(doc.Segments),
			contentHash: doc.Checksum,
			syncState:   map[string]any{"checksum": doc.Checksum},
		}
		if err := s.persist(ctx, sess, src, p); err != nil {
			return s.stopped(ctx, err, metrics())
		}
		log.Info("persisted url", "url", u, "chunks", len(chunks))

		docs++
		total += len(chunks)
		bytes += doc.ByteLen
		checksums[u] = doc.Checksum
	}
	return succeeded(metrics(), map[string]any{"checksums": checksums})
}

// chunkSegments chunks every segment in order; the position in the
// returned slice is the chunk index.
func (s *Service) chunkSegments(path string, doc *parser.Document) []text.Chunk {
	var chunks []text.Chunk
	for _, seg := range doc.Segments {
		opts := s.opts.Chunking
		opts.SourcePath = path
		opts.MimeType = doc.MimeType
		opts.PageNumber = seg.PageNumber
		opts.SheetName = seg.SheetName
		opts.RowNumber = seg.RowNumber
		opts.Extra = seg.Extra
		chunks = append(chunks, text.Split(seg.Text, opts)...)
	}
	return chunks
}

type persistParams struct {
	path        string
	chunks      []text.Chunk
	bytesLen    int64
	pageCount   int
	contentHash string
	syncState   map[string]any
}

// persist embeds a record and writes it in one transaction. Cancellation
// is honoured up to the write; the write itself runs detached so a record
// is never half stored.
func (s *Service) persist(ctx context.Context, sess storage.Session, src *source.Source, p persistParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var vectors [][]float32
	if len(p.chunks) > 0 {
		texts := make([]string, len(p.chunks))
		for i, c := range p.chunks {
			texts[i] = c.Content
		}
		var err error
		vectors, err = embed.Batched(ctx, s.embedder, texts, s.opts.EmbedBatchSize)
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.contentHash == "" {
		p.contentHash = contentHash(p.chunks)
	}
	if p.pageCount < 1 {
		p.pageCount = 1
	}

	wctx := context.WithoutCancel(ctx)
	var documentID string
	err := sess.WithTx(wctx, func(docs document.Repository) error {
		v, err := docs.UpsertDocument(wctx, document.UpsertParams{
			TenantID:      src.TenantID,
			Path:          p.path,
			SourceID:      src.ID,
			ConnectorType: string(src.Type),
			BytesLen:      p.bytesLen,
			PageCount:     p.pageCount,
			ContentHash:   p.contentHash,
			SyncState:     p.syncState,
		})
		if err != nil {
			return err
		}
		documentID = v.DocumentID
		return docs.InsertChunks(wctx, src.TenantID, v.DocumentID, p.chunks, vectors)
	})
	if err != nil {
		return errors.Wrapf(err, "persist %s", p.path)
	}

	if s.index != nil {
		doc := weaviate.Document{TenantID: src.TenantID, SourceID: src.ID, DocumentID: documentID, Path: p.path}
		if err := s.index.UpsertChunks(wctx, doc, p.chunks, vectors); err != nil {
			return errors.Wrapf(err, "index %s", p.path)
		}
	}
	return nil
}

// stopped turns a stream or persist error into an outcome. An error seen
// after the job context ended is a cancellation, not a failure.
func (s *Service) stopped(ctx context.Context, err error, metrics map[string]any) Outcome {
	if ctx.Err() != nil {
		return canceled()
	}
	return failed(err, metrics)
}

// finish writes the single terminal transition for out. Sync state is
// only written on success; a failed write turns the job into a failure.
func (s *Service) finish(ctx context.Context, sess storage.Session, j *job.Job, log *slog.Logger, out Outcome) error {
	if log == nil {
		log = s.logger.With("job_id", j.ID)
	}
	u := job.Update{Status: out.Status()}

	switch u.Status {
	case job.StatusCanceled:
		log.Info("job canceled")
	case job.StatusFailed:
		u.Error = out.Failure.Message
		u.Metrics = withKind(out.Metrics, out.Failure.Kind)
		log.Error("job failed", "kind", out.Failure.Kind, "error", out.Failure.Message)
	case job.StatusSucceeded:
		u.Metrics = out.Metrics
		if out.SyncState != nil {
			if err := sess.Sources().UpdateSyncState(ctx, j.TenantID, j.SourceID, out.SyncState); err != nil {
				err = errors.Wrap(err, "save sync state")
				u = job.Update{Status: job.StatusFailed, Error: err.Error(), Metrics: withKind(out.Metrics, KindIO)}
				log.Error("job failed", "kind", KindIO, "error", u.Error)
				break
			}
		}
		log.Info("job succeeded", "metrics", out.Metrics)
	}

	if err := sess.Jobs().UpdateStatus(ctx, j.TenantID, j.ID, u); err != nil {
		s.logger.ErrorContext(ctx, "failed to record job outcome", "status", u.Status, "error", err)
		return err
	}
	s.emit(ctx, j, u.Status, u.Error, u.Metrics)
	s.logger.InfoContext(ctx, "job finished", "status", u.Status)

	if u.Status == job.StatusFailed {
		return errors.New(u.Error)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, j *job.Job, status job.Status, msg string, metrics map[string]any) {
	s.events.Emit(ctx, events.JobEvent{
		JobID:    j.ID,
		TenantID: j.TenantID,
		SourceID: j.SourceID,
		Status:   string(status),
		Error:    msg,
		Metrics:  metrics,
	})
}

func withKind(metrics map[string]any, kind FailureKind) map[string]any {
	out := make(map[string]any, len(metrics)+1)
	for k, v := range metrics {
		out[k] = v
	}
	out["failure_kind"] = string(kind)
	return out
}

func contentHash(chunks []text.Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write([]byte(c.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
