package ingest_test

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conduit/features/ingest"
	"conduit/features/job"
	"conduit/features/source"
	"conduit/internal/adapter/weaviate"
	"conduit/internal/connector"
	"conduit/internal/connector/transcribe"
	"conduit/internal/embed"
	"conduit/internal/events"
	"conduit/internal/parser"
	"conduit/internal/runner"
	"conduit/internal/storage"
	"conduit/internal/text"
)

const tenant = "acme"

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) UpsertChunks(ctx context.Context, doc weaviate.Document, chunks []text.Chunk, vectors [][]float32) error {
	return m.Called(ctx, doc, chunks, vectors).Error(0)
}

func (m *MockIndex) DeleteByPath(ctx context.Context, tenantID, path string) error {
	return m.Called(ctx, tenantID, path).Error(0)
}

func (m *MockIndex) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	return m.Called(ctx, tenantID, sourceID).Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *recordingPublisher) Publish(_ string, body []byte) error {
	var ev events.JobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) statuses(jobID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	svc        *ingest.Service
	store      *storage.MemoryStore
	runner     *runner.Runner
	connectors *connector.Registry
	embedder   *embed.Zero
	pub        *recordingPublisher
}

type fixtureOption func(*ingest.Deps, *fixtureConfig)

type fixtureConfig struct {
	workers, depth int
}

func withIndex(idx ingest.VectorIndex) fixtureOption {
	return func(d *ingest.Deps, _ *fixtureConfig) { d.Index = idx }
}

func withEmbedder(e embed.Embedder) fixtureOption {
	return func(d *ingest.Deps, _ *fixtureConfig) { d.Embedder = e }
}

func withStore(wrap func(storage.Store) storage.Store) fixtureOption {
	return func(d *ingest.Deps, _ *fixtureConfig) { d.Store = wrap(d.Store) }
}

func withRunner(workers, depth int) fixtureOption {
	return func(_ *ingest.Deps, c *fixtureConfig) { c.workers, c.depth = workers, depth }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	caches := transcribe.NewCaches(nil)
	t.Cleanup(func() { _ = caches.Close() })
	connectors := connector.NewRegistry(connector.Deps{
		Caches:   caches,
		CacheDir: filepath.Join(t.TempDir(), "transcripts"),
		Chunking: text.Options{MaxChars: 1200, Overlap: 200},
	})
	parsers, err := parser.NewRegistry(nil, 4)
	require.NoError(t, err)

	f := &fixture{
		store:      storage.NewMemoryStore(),
		connectors: connectors,
		embedder:   &embed.Zero{Dim: 4},
		pub:        &recordingPublisher{},
	}
	deps := ingest.Deps{
		Store:      f.store,
		Connectors: connectors,
		Parsers:    parsers,
		Embedder:   f.embedder,
		Events:     events.NewEmitter(f.pub),
		Logger:     slog.New(slog.DiscardHandler),
	}
	cfg := fixtureConfig{workers: 2, depth: 8}
	for _, o := range opts {
		o(&deps, &cfg)
	}

	f.runner, err = runner.New(cfg.workers, cfg.depth, deps.Logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.runner.Shutdown(ctx)
	})
	deps.Runner = f.runner

	f.svc, err = ingest.NewService(deps, ingest.Options{
		LogDir:         filepath.Join(t.TempDir(), "jobs"),
		Chunking:       text.Options{MaxChars: 1200, Overlap: 200},
		EmbedBatchSize: 16,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) wait(t *testing.T, jobID string) *job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j, err := f.svc.Wait(ctx, tenant, jobID)
	require.NoError(t, err)
	require.True(t, j.Status.Terminal(), "job %s still %s", jobID, j.Status)
	return j
}

func (f *fixture) source(t *testing.T, id string) *source.Source {
	t.Helper()
	sess, err := f.store.Session(context.Background(), tenant)
	require.NoError(t, err)
	defer sess.Close()
	src, err := sess.Sources().Get(context.Background(), tenant, id)
	require.NoError(t, err)
	return src
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// stubConnector emits records then optionally blocks until canceled.
type stubConnector struct {
	records []connector.Record
	err     error
	block   bool
	emitted chan struct{}
	next    map[string]any
}

func (c *stubConnector) Stream(ctx context.Context) iter.Seq2[connector.Record, error] {
	return func(yield func(connector.Record, error) bool) {
		for _, rec := range c.records {
			if !yield(rec, nil) {
				return
			}
		}
		if c.emitted != nil {
			close(c.emitted)
		}
		if c.err != nil {
			yield(connector.Record{}, c.err)
			return
		}
		if c.block {
			<-ctx.Done()
			yield(connector.Record{}, ctx.Err())
		}
	}
}

func (c *stubConnector) Metadata() map[string]any {
	return map[string]any{"records": len(c.records)}
}

func (c *stubConnector) NextSyncState() map[string]any { return c.next }

func registerStub(f *fixture, c *stubConnector) {
	f.connectors.Register(source.TypeSQL, func(source.Source, connector.Deps) (connector.Connector, error) {
		return c, nil
	})
}

func createSource(t *testing.T, f *fixture, typ source.Type, params, state map[string]any) *source.Source {
	t.Helper()
	src := &source.Source{Type: typ, Name: string(typ) + "-source", Params: params, SyncState: state}
	require.NoError(t, f.svc.CreateSource(context.Background(), tenant, src))
	return src
}

func record(path, content string) connector.Record {
	return connector.Record{
		DocumentPath: path,
		Chunks:       text.Split(content, text.Options{SourcePath: path}),
		ByteLen:      int64(len(content)),
		PageCount:    1,
	}
}

func TestService_MarkdownEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeFile(t, "notes.md", "Hello world\n\nThis is a test.")

	jobID, err := f.svc.SubmitFile(ctx, tenant, path)
	require.NoError(t, err)

	j := f.wait(t, jobID)
	assert.Equal(t, job.StatusSucceeded, j.Status)
	assert.Empty(t, j.Error)
	assert.EqualValues(t, 1, j.Metrics["chunks"])
	assert.EqualValues(t, 1, j.Metrics["documents"])
	assert.NotEmpty(t, j.LogPath)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.FinishedAt)

	results, err := f.svc.Search(ctx, tenant, "hello", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Hello world\n\nThis is a test.", results[0].Content)
	assert.Equal(t, path, results[0].Path)
	assert.Equal(t, "text/markdown", results[0].Metadata["mime_type"])

	other, err := f.svc.Search(ctx, "someone-else", "hello", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	logs, err := f.svc.TailLog(ctx, tenant, jobID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, logs.Status)
	assert.Contains(t, logs.Text, "persisted file")
	assert.Equal(t, logs.Total, logs.NextOffset)

	assert.Equal(t, []string{"queued", "running", "succeeded"}, f.pub.statuses(jobID))
	assert.Equal(t, 1, f.embedder.Calls())
}

func TestService_ReingestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeFile(t, "notes.md", "alpha\n\nbeta")

	first, err := f.svc.SubmitFile(ctx, tenant, path)
	require.NoError(t, err)
	j1 := f.wait(t, first)

	second, err := f.svc.SubmitFile(ctx, tenant, path)
	require.NoError(t, err)
	j2 := f.wait(t, second)

	assert.NotEqual(t, first, second)
	assert.Equal(t, j1.SourceID, j2.SourceID, "same file reuses its source")
	assert.Equal(t, job.StatusSucceeded, j2.Status)
	assert.Equal(t, 1, f.store.ChunkCount())

	sources, err := f.svc.ListSources(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestService_CancelLeavesSyncStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stub := &stubConnector{
		records: []connector.Record{record("posts/1", "first post")},
		block:   true,
		emitted: make(chan struct{}),
		next:    map[string]any{"cursor": 99},
	}
	registerStub(f, stub)
	src := createSource(t, f, source.TypeSQL, map[string]any{"driver": "sqlite"}, map[string]any{"cursor": 1})

	jobID, err := f.svc.SubmitSource(ctx, tenant, src.ID)
	require.NoError(t, err)

	select {
	case <-stub.emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("connector never emitted")
	}
	assert.False(t, f.svc.Cancel("someone-else", jobID))
	assert.True(t, f.svc.Cancel(tenant, jobID))

	j := f.wait(t, jobID)
	assert.Equal(t, job.StatusCanceled, j.Status)
	assert.Empty(t, j.Error)
	assert.Empty(t, j.Metrics)

	assert.EqualValues(t, map[string]any{"cursor": int64(1)}, f.source(t, src.ID).SyncState)
	assert.Equal(t, 1, f.store.ChunkCount(), "records persisted before cancellation stay")
	assert.Equal(t, []string{"queued", "running", "canceled"}, f.pub.statuses(jobID))
}

func TestService_CancelWhileQueued(t *testing.T) {
	f := newFixture(t, withRunner(1, 4))
	ctx := context.Background()

	blocker := &stubConnector{block: true, emitted: make(chan struct{})}
	registerStub(f, blocker)
	src := createSource(t, f, source.TypeSQL, nil, nil)

	running, err := f.svc.SubmitSource(ctx, tenant, src.ID)
	require.NoError(t, err)
	<-blocker.emitted

	queued, err := f.svc.SubmitSource(ctx, tenant, src.ID)
	require.NoError(t, err)
	require.True(t, f.svc.Cancel(tenant, queued))
	require.True(t, f.svc.Cancel(tenant, running))

	assert.Equal(t, job.StatusCanceled, f.wait(t, running).Status)
	j := f.wait(t, queued)
	assert.Equal(t, job.StatusCanceled, j.Status)
	assert.Nil(t, j.StartedAt)
	assert.Empty(t, j.LogPath)
}

func TestService_SuccessPersistsSyncState(t *testing.T) {
	f := newFixture(t)
	stub := &stubConnector{
		records: []connector.Record{record("posts/1", "one"), record("posts/2", "two"), {DocumentPath: "posts/3"}},
		next:    map[string]any{"queries": map[string]any{"posts": map[string]any{"cursor": 3}}},
	}
	registerStub(f, stub)
	src := createSource(t, f, source.TypeSQL, nil, map[string]any{"stale": true})

	jobID, err := f.svc.SubmitSource(context.Background(), tenant, src.ID)
	require.NoError(t, err)
	j := f.wait(t, jobID)

	assert.Equal(t, job.StatusSucceeded, j.Status)
	assert.EqualValues(t, 3, j.Metrics["records"])
	assert.Contains(t, j.Metrics, "duration_ms")
	assert.Equal(t, map[string]any{"queries": map[string]any{"posts": map[string]any{"cursor": int64(3)}}}, f.source(t, src.ID).SyncState)
	assert.Equal(t, 2, f.store.ChunkCount())
	assert.Equal(t, 2, f.embedder.Calls(), "record without text skips embedding")
}

func TestService_FailureMessageVerbatim(t *testing.T) {
	t.Run("Connector error", func(t *testing.T) {
		f := newFixture(t)
		registerStub(f, &stubConnector{
			records: []connector.Record{record("posts/1", "kept")},
			err:     errors.New("upstream exploded: connection reset"),
		})
		src := createSource(t, f, source.TypeSQL, nil, map[string]any{"cursor": 5})

		jobID, err := f.svc.SubmitSource(context.Background(), tenant, src.ID)
		require.NoError(t, err)
		j := f.wait(t, jobID)

		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "upstream exploded: connection reset", j.Error)
		assert.Equal(t, "io", j.Metrics["failure_kind"])
		assert.EqualValues(t, 1, j.Metrics["records"], "metrics captured so far are kept")
		assert.EqualValues(t, map[string]any{"cursor": int64(5)}, f.source(t, src.ID).SyncState)

		logs, err := f.svc.TailLog(context.Background(), tenant, jobID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, logs.Status)
		assert.Contains(t, logs.Text, "upstream exploded")
	})

	t.Run("Provider error", func(t *testing.T) {
		f := newFixture(t)
		registerStub(f, &stubConnector{err: errors.Mark(errors.New("transcription job failed"), connector.ErrProvider)})
		src := createSource(t, f, source.TypeSQL, nil, nil)

		jobID, err := f.svc.SubmitSource(context.Background(), tenant, src.ID)
		require.NoError(t, err)
		j := f.wait(t, jobID)
		assert.Equal(t, "transcription job failed", j.Error)
		assert.Equal(t, "provider", j.Metrics["failure_kind"])
	})

	t.Run("Bad connector config", func(t *testing.T) {
		f := newFixture(t)
		src := createSource(t, f, source.TypeREST, map[string]any{"url": "http://example.invalid/items"}, nil)

		jobID, err := f.svc.SubmitSource(context.Background(), tenant, src.ID)
		require.NoError(t, err)
		j := f.wait(t, jobID)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Contains(t, j.Error, "id_field")
		assert.Equal(t, "config", j.Metrics["failure_kind"])
	})

	t.Run("Unsupported file type", func(t *testing.T) {
		f := newFixture(t)
		path := writeFile(t, "tool.exe", "MZ")

		jobID, err := f.svc.SubmitFile(context.Background(), tenant, path)
		require.NoError(t, err)
		j := f.wait(t, jobID)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "config", j.Metrics["failure_kind"])
	})

	t.Run("Missing file", func(t *testing.T) {
		f := newFixture(t)
		jobID, err := f.svc.SubmitFile(context.Background(), tenant, filepath.Join(t.TempDir(), "gone.md"))
		require.NoError(t, err)
		j := f.wait(t, jobID)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "io", j.Metrics["failure_kind"])
	})
}

func TestService_RESTPageScenario(t *testing.T) {
	pages := map[int][]map[string]any{
		1: {{"id": "a", "body": "first"}, {"id": "b", "body": "second"}},
		2: {{"id": "c", "body": "third"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": pages[page]})
	}))
	defer srv.Close()

	f := newFixture(t)
	src := createSource(t, f, source.TypeREST, map[string]any{
		"url":          srv.URL + "/items",
		"records_path": "data",
		"id_field":     "id",
		"text_fields":  []string{"body"},
		"pagination":   map[string]any{"type": "page", "page_size": 2},
	}, nil)

	jobID, err := f.svc.SubmitSource(context.Background(), tenant, src.ID)
	require.NoError(t, err)
	j := f.wait(t, jobID)

	require.Equal(t, job.StatusSucceeded, j.Status, j.Error)
	assert.EqualValues(t, 2, j.Metrics["pages"])
	assert.EqualValues(t, 3, j.Metrics["records"])
	assert.EqualValues(t, 3, j.Metrics["chunks"])
	assert.EqualValues(t, 3, f.source(t, src.ID).SyncState["page"])
	assert.Equal(t, 3, f.store.ChunkCount())

	results, err := f.svc.Search(context.Background(), tenant, "third", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, srv.URL+"/items/c", results[0].Path)
}

func TestService_Transcription(t *testing.T) {
	f := newFixture(t)
	media := writeFile(t, "standup.mp3", "morning everyone\n\nship it\n")
	src := createSource(t, f, source.TypeTranscription, map[string]any{"provider": "mock", "media_uri": media}, nil)

	jobID, err := f.svc.SubmitSource(context.Background(), tenant, src.ID)
	require.NoError(t, err)
	j := f.wait(t, jobID)

	require.Equal(t, job.StatusSucceeded, j.Status, j.Error)
	assert.Equal(t, 2, f.store.ChunkCount())
	assert.NotEmpty(t, f.source(t, src.ID).SyncState["checksum"])
}

func TestService_SubmitURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>Docs</title></head><body><p>Install the agent.</p></body></html>"))
	}))
	defer srv.Close()

	f := newFixture(t)
	urls := []string{srv.URL + "/install", srv.URL + "/upgrade"}
	jobID, err := f.svc.SubmitURLs(context.Background(), tenant, "docs", urls)
	require.NoError(t, err)
	j := f.wait(t, jobID)

	require.Equal(t, job.StatusSucceeded, j.Status, j.Error)
	assert.EqualValues(t, 2, j.Metrics["documents"])
	assert.Equal(t, 2, f.store.ChunkCount())

	_, err = f.svc.SubmitURLs(context.Background(), tenant, "docs", nil)
	assert.True(t, errors.Is(err, ingest.ErrInvalid))
}

func TestService_QueueFull(t *testing.T) {
	f := newFixture(t, withRunner(1, 1))
	ctx := context.Background()
	registerStub(f, &stubConnector{block: true})
	src := createSource(t, f, source.TypeSQL, nil, nil)

	var accepted []string
	var rejected string
	var rejectErr error
	for range 10 {
		id, err := f.svc.SubmitSource(ctx, tenant, src.ID)
		if err != nil {
			rejected, rejectErr = id, err
			break
		}
		accepted = append(accepted, id)
	}
	require.Error(t, rejectErr)
	assert.True(t, errors.Is(rejectErr, runner.ErrQueueFull))

	j, err := f.svc.GetJob(ctx, tenant, rejected)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "runner: queue full", j.Error)
	assert.Equal(t, []string{"queued", "failed"}, f.pub.statuses(rejected))
	assert.False(t, f.svc.Cancel(tenant, rejected))

	for _, id := range accepted {
		f.svc.Cancel(tenant, id)
	}
	for _, id := range accepted {
		assert.Equal(t, job.StatusCanceled, f.wait(t, id).Status)
	}
}

func TestService_ReindexAndRerun(t *testing.T) {
	idx := &MockIndex{}
	idx.On("UpsertChunks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	idx.On("DeleteByPath", mock.Anything, tenant, mock.Anything).Return(nil)

	f := newFixture(t, withIndex(idx))
	ctx := context.Background()
	path := writeFile(t, "guide.md", "one\n\ntwo")

	first, err := f.svc.SubmitFile(ctx, tenant, path)
	require.NoError(t, err)
	j := f.wait(t, first)
	require.Equal(t, job.StatusSucceeded, j.Status)

	second, err := f.svc.Reindex(ctx, tenant, j.SourceID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, f.wait(t, second).Status)

	third, err := f.svc.Rerun(ctx, tenant, first)
	require.NoError(t, err)
	j3 := f.wait(t, third)
	assert.Equal(t, job.StatusSucceeded, j3.Status)
	assert.Equal(t, j.SourceID, j3.SourceID)

	assert.Equal(t, 1, f.store.ChunkCount())
	idx.AssertNumberOfCalls(t, "DeleteByPath", 2)
	idx.AssertNumberOfCalls(t, "UpsertChunks", 3)
	idx.AssertCalled(t, "UpsertChunks", mock.Anything, mock.MatchedBy(func(d weaviate.Document) bool {
		return d.TenantID == tenant && d.Path == path && d.DocumentID != ""
	}), mock.Anything, mock.Anything)
}

func TestService_ReindexConnectorClearsSyncState(t *testing.T) {
	idx := &MockIndex{}
	idx.On("DeleteBySource", mock.Anything, tenant, mock.Anything).Return(nil)
	idx.On("UpsertChunks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := newFixture(t, withIndex(idx))
	stub := &stubConnector{next: map[string]any{"cursor": 10}}
	registerStub(f, stub)
	src := createSource(t, f, source.TypeSQL, nil, map[string]any{"cursor": 7})

	jobID, err := f.svc.Reindex(context.Background(), tenant, src.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, f.wait(t, jobID).Status)

	idx.AssertCalled(t, "DeleteBySource", mock.Anything, tenant, src.ID)
	assert.EqualValues(t, map[string]any{"cursor": int64(10)}, f.source(t, src.ID).SyncState)
}

func TestService_IndexFailureFailsJob(t *testing.T) {
	idx := &MockIndex{}
	idx.On("UpsertChunks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("weaviate unavailable"))

	f := newFixture(t, withIndex(idx))
	path := writeFile(t, "notes.txt", "plain text")
	jobID, err := f.svc.SubmitFile(context.Background(), tenant, path)
	require.NoError(t, err)

	j := f.wait(t, jobID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Error, "weaviate unavailable")
}

func TestService_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeFile(t, "notes.md", "secret")

	jobID, err := f.svc.SubmitFile(ctx, tenant, path)
	require.NoError(t, err)
	f.wait(t, jobID)

	_, err = f.svc.GetJob(ctx, "intruder", jobID)
	assert.True(t, errors.Is(err, ingest.ErrNotFound))

	_, err = f.svc.TailLog(ctx, "intruder", jobID, 0, 0)
	assert.True(t, errors.Is(err, ingest.ErrNotFound))

	_, err = f.svc.Rerun(ctx, "intruder", jobID)
	assert.True(t, errors.Is(err, ingest.ErrNotFound))

	jobs, err := f.svc.ListJobs(ctx, "intruder", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = f.svc.SubmitFile(ctx, "", path)
	assert.True(t, errors.Is(err, ingest.ErrInvalid))
}

func TestService_DeleteSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := createSource(t, f, source.TypeSQL, nil, nil)

	require.NoError(t, f.svc.DeleteSource(ctx, tenant, src.ID))
	_, err := f.svc.SubmitSource(ctx, tenant, src.ID)
	assert.True(t, errors.Is(err, ingest.ErrNotFound))
	assert.True(t, errors.Is(f.svc.DeleteSource(ctx, tenant, src.ID), ingest.ErrNotFound))
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := ingest.NewService(ingest.Deps{}, ingest.Options{})
	assert.Error(t, err)
}

// gatedEmbedder answers its first call and blocks every later one until
// the job context ends.
type gatedEmbedder struct {
	embed.Zero
	calls   atomic.Int32
	blocked chan struct{}
}

func (e *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.calls.Add(1) == 1 {
		return e.Zero.Embed(ctx, texts)
	}
	close(e.blocked)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_CancelDuringEmbedding(t *testing.T) {
	embedder := &gatedEmbedder{Zero: embed.Zero{Dim: 4}, blocked: make(chan struct{})}
	f := newFixture(t, withEmbedder(embedder))
	ctx := context.Background()

	registerStub(f, &stubConnector{
		records: []connector.Record{record("posts/1", "first post"), record("posts/2", "second post")},
		next:    map[string]any{"cursor": 2},
	})
	src := createSource(t, f, source.TypeSQL, map[string]any{"driver": "sqlite"}, map[string]any{"cursor": 0})

	jobID, err := f.svc.SubmitSource(ctx, tenant, src.ID)
	require.NoError(t, err)

	select {
	case <-embedder.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("second record never reached the embedder")
	}
	require.True(t, f.svc.Cancel(tenant, jobID))

	j := f.wait(t, jobID)
	assert.Equal(t, job.StatusCanceled, j.Status)
	assert.Empty(t, j.Error)
	assert.Empty(t, j.Metrics)
	assert.Equal(t, map[string]any{"cursor": int64(0)}, f.source(t, src.ID).SyncState)

	assert.Equal(t, 1, f.store.ChunkCount(), "only the record embedded before cancellation is stored")
	hits, err := f.svc.Search(ctx, tenant, "second", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, []string{"queued", "running", "canceled"}, f.pub.statuses(jobID))
}

// flakyStore fails the next session after arm, or every running
// transition when failRunning is set.
type flakyStore struct {
	storage.Store
	armed       atomic.Bool
	failRunning bool
}

func (s *flakyStore) arm() { s.armed.Store(true) }

func (s *flakyStore) Session(ctx context.Context, tenantID string) (storage.Session, error) {
	if s.armed.CompareAndSwap(true, false) {
		return nil, errors.New("connection refused")
	}
	sess, err := s.Store.Session(ctx, tenantID)
	if err != nil || !s.failRunning {
		return sess, err
	}
	return flakySession{Session: sess}, nil
}

type flakySession struct {
	storage.Session
}

func (s flakySession) Jobs() job.Repository { return runningFails{s.Session.Jobs()} }

type runningFails struct {
	job.Repository
}

func (r runningFails) UpdateStatus(ctx context.Context, tenantID, id string, u job.Update) error {
	if u.Status == job.StatusRunning {
		return errors.New("write timeout")
	}
	return r.Repository.UpdateStatus(ctx, tenantID, id, u)
}

func TestService_SessionFailureFailsJob(t *testing.T) {
	flaky := &flakyStore{}
	f := newFixture(t, withRunner(1, 4), withStore(func(s storage.Store) storage.Store {
		flaky.Store = s
		return flaky
	}))
	ctx := context.Background()

	blocker := &stubConnector{block: true, emitted: make(chan struct{})}
	registerStub(f, blocker)
	blockerSrc := createSource(t, f, source.TypeSQL, map[string]any{"driver": "sqlite"}, nil)
	blockerID, err := f.svc.SubmitSource(ctx, tenant, blockerSrc.ID)
	require.NoError(t, err)
	<-blocker.emitted

	jobID, err := f.svc.SubmitFile(ctx, tenant, writeFile(t, "notes.md", "queued behind the blocker"))
	require.NoError(t, err)
	h, ok := f.runner.Get(jobID)
	require.True(t, ok)

	// the next session opened is the queued job's own
	flaky.arm()
	require.True(t, f.svc.Cancel(tenant, blockerID))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.Error(t, h.Wait(waitCtx))

	j := f.wait(t, jobID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Error, "connection refused")
	assert.Equal(t, "io", j.Metrics["failure_kind"])
	assert.Equal(t, []string{"queued", "failed"}, f.pub.statuses(jobID))
}

func TestService_RunningUpdateFailureFailsJob(t *testing.T) {
	f := newFixture(t, withStore(func(s storage.Store) storage.Store {
		return &flakyStore{Store: s, failRunning: true}
	}))

	jobID, err := f.svc.SubmitFile(context.Background(), tenant, writeFile(t, "notes.md", "never starts"))
	require.NoError(t, err)

	j := f.wait(t, jobID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Error, "write timeout")
	assert.Empty(t, j.LogPath)
	assert.Equal(t, 0, f.store.ChunkCount())
	assert.Equal(t, []string{"queued", "failed"}, f.pub.statuses(jobID))
}
