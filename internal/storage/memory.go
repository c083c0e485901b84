package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"conduit/features/document"
	"conduit/features/job"
	"conduit/features/source"
	"conduit/internal/text"
)

// MemoryStore keeps everything in process. It backs tests and dry runs and
// honours the same contracts as the Postgres repositories.
type MemoryStore struct {
	mu        sync.RWMutex
	sources   map[string]*memSource
	jobs      map[string]*job.Job
	docs      map[string]*memDoc
	docByPath map[string]string
}

type memSource struct {
	src     source.Source
	deleted bool
}

type memDoc struct {
	id       string
	tenantID string
	path     string
	sourceID string
	versions []memVersion
	chunks   map[int]memChunk
}

type memVersion struct {
	id            string
	number        int
	hash          string
	bytesLen      int64
	pageCount     int
	connectorType string
	syncState     map[string]any
}

type memChunk struct {
	content   string
	metadata  map[string]any
	embedding []float32
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:   make(map[string]*memSource),
		jobs:      make(map[string]*job.Job),
		docs:      make(map[string]*memDoc),
		docByPath: make(map[string]string),
	}
}

func (m *MemoryStore) Session(_ context.Context, tenantID string) (Session, error) {
	if tenantID == "" {
		return nil, errors.New("storage: empty tenant id")
	}
	return &memSession{store: m}, nil
}

// ChunkCount returns the number of stored chunk rows across all tenants.
func (m *MemoryStore) ChunkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.docs {
		n += len(d.chunks)
	}
	return n
}

type memSession struct {
	store *MemoryStore
}

func (s *memSession) Sources() source.Repository     { return (*memSources)(s.store) }
func (s *memSession) Jobs() job.Repository           { return (*memJobs)(s.store) }
func (s *memSession) Documents() document.Repository { return (*memDocs)(s.store) }
func (s *memSession) Close() error                   { return nil }

func (s *memSession) WithTx(ctx context.Context, fn func(docs document.Repository) error) error {
	tx := &memTx{store: s.store, docs: (*memDocs)(s.store)}
	if err := fn(tx); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

// sources

type memSources MemoryStore

func (r *memSources) Create(_ context.Context, src *source.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(src)
	return nil
}

func (r *memSources) insertLocked(src *source.Source) {
	now := time.Now()
	src.ID = uuid.NewString()
	src.Active = true
	src.CreatedAt, src.UpdatedAt = now, now
	stored := cloneSource(*src)
	if stored.SyncState == nil {
		stored.SyncState = map[string]any{}
	}
	r.sources[src.ID] = &memSource{src: stored}
}

func (r *memSources) LookupOrCreate(_ context.Context, src *source.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ms := range r.sources {
		s := &ms.src
		if ms.deleted || s.TenantID != src.TenantID || s.Type != src.Type || s.Identity != src.Identity {
			continue
		}
		s.Params = source.CloneState(src.Params)
		s.UpdatedAt = time.Now()
		*src = cloneSource(*s)
		return nil
	}
	r.insertLocked(src)
	return nil
}

func (r *memSources) Get(_ context.Context, tenantID, id string) (*source.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.sources[id]
	if !ok || ms.deleted || ms.src.TenantID != tenantID {
		return nil, errors.Wrapf(source.ErrNotFound, "source %s", id)
	}
	s := cloneSource(ms.src)
	return &s, nil
}

func (r *memSources) List(_ context.Context, tenantID string) ([]source.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []source.Source
	for _, ms := range r.sources {
		if !ms.deleted && ms.src.TenantID == tenantID {
			out = append(out, cloneSource(ms.src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memSources) UpdateSyncState(_ context.Context, tenantID, id string, state map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.sources[id]
	if !ok || ms.deleted || ms.src.TenantID != tenantID {
		return errors.Wrapf(source.ErrNotFound, "source %s", id)
	}
	ms.src.SyncState = source.CloneState(state)
	ms.src.UpdatedAt = time.Now()
	return nil
}

func (r *memSources) SoftDelete(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.sources[id]
	if !ok || ms.deleted || ms.src.TenantID != tenantID {
		return errors.Wrapf(source.ErrNotFound, "source %s", id)
	}
	ms.deleted = true
	ms.src.Active = false
	return nil
}

func cloneSource(s source.Source) source.Source {
	if s.Params != nil {
		s.Params = source.CloneState(s.Params)
	}
	if s.SyncState != nil {
		s.SyncState = source.CloneState(s.SyncState)
	}
	if s.Credentials != nil {
		creds := make(map[string]string, len(s.Credentials))
		for k, v := range s.Credentials {
			creds[k] = v
		}
		s.Credentials = creds
	}
	return s
}

// jobs

type memJobs MemoryStore

func (r *memJobs) Create(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.ID = uuid.NewString()
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	j.CreatedAt = time.Now()
	stored := cloneJob(*j)
	r.jobs[j.ID] = &stored
	return nil
}

func (r *memJobs) UpdateStatus(_ context.Context, tenantID, id string, u job.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.TenantID != tenantID {
		return errors.Wrapf(job.ErrNotFound, "job %s", id)
	}
	if !job.CanTransition(j.Status, u.Status) {
		return errors.Wrapf(job.ErrInvalidTransition, "%s -> %s", j.Status, u.Status)
	}
	now := time.Now()
	j.Status = u.Status
	if u.Status == job.StatusRunning {
		j.StartedAt = &now
	}
	if u.Status.Terminal() {
		j.FinishedAt = &now
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if u.LogPath != "" {
		j.LogPath = u.LogPath
	}
	if u.Metrics != nil {
		j.Metrics = source.CloneState(u.Metrics)
	}
	return nil
}

func (r *memJobs) Get(_ context.Context, tenantID, id string) (*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, errors.Wrapf(job.ErrNotFound, "job %s", id)
	}
	c := cloneJob(*j)
	return &c, nil
}

func (r *memJobs) List(_ context.Context, tenantID string, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []job.Job
	for _, j := range r.jobs {
		if j.TenantID == tenantID {
			out = append(out, cloneJob(*j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j job.Job) job.Job {
	if j.Metrics != nil {
		j.Metrics = source.CloneState(j.Metrics)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}

// documents

type memDocs MemoryStore

func pathKey(tenantID, path string) string { return tenantID + "\x00" + path }

func (r *memDocs) UpsertDocument(ctx context.Context, p document.UpsertParams) (document.Version, error) {
	tx := &memTx{store: (*MemoryStore)(r), docs: r}
	v, err := tx.UpsertDocument(ctx, p)
	if err != nil {
		return v, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return v, nil
}

func (r *memDocs) InsertChunks(ctx context.Context, tenantID, documentID string, chunks []text.Chunk, embeddings [][]float32) error {
	tx := &memTx{store: (*MemoryStore)(r), docs: r}
	if err := tx.InsertChunks(ctx, tenantID, documentID, chunks, embeddings); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

func (r *memDocs) DeleteByPath(_ context.Context, tenantID, path string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.docByPath[pathKey(tenantID, path)]
	if !ok {
		return 0, nil
	}
	delete(r.docByPath, pathKey(tenantID, path))
	delete(r.docs, id)
	return 1, nil
}

func (r *memDocs) DeleteBySource(_ context.Context, tenantID, sourceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, d := range r.docs {
		if d.tenantID == tenantID && d.sourceID == sourceID {
			delete(r.docByPath, pathKey(d.tenantID, d.path))
			delete(r.docs, id)
			n++
		}
	}
	return n, nil
}

func (r *memDocs) Search(_ context.Context, tenantID, query string, limit int) ([]document.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []document.SearchResult
	for _, d := range r.docs {
		if d.tenantID != tenantID {
			continue
		}
		for idx, c := range d.chunks {
			if strings.Contains(strings.ToLower(c.content), needle) {
				out = append(out, document.SearchResult{
					DocumentID: d.id,
					Path:       d.path,
					ChunkIndex: idx,
					Content:    c.content,
					Metadata:   source.CloneState(c.metadata),
				})
			}
		}
	}
	slices.SortFunc(out, func(a, b document.SearchResult) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return a.ChunkIndex - b.ChunkIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx stages document writes and applies them on commit.
type memTx struct {
	store *MemoryStore
	docs  *memDocs
	ops   []func()
	// staged document ids keyed by tenant/path, for documents created in this tx
	created map[string]string
}

func (t *memTx) UpsertDocument(_ context.Context, p document.UpsertParams) (document.Version, error) {
	t.store.mu.RLock()
	id, exists := t.store.docByPath[pathKey(p.TenantID, p.Path)]
	var latest memVersion
	if exists {
		if d := t.store.docs[id]; len(d.versions) > 0 {
			latest = d.versions[len(d.versions)-1]
		}
	}
	t.store.mu.RUnlock()

	if !exists {
		if staged, ok := t.created[pathKey(p.TenantID, p.Path)]; ok {
			id = staged
		} else {
			id = uuid.NewString()
			if t.created == nil {
				t.created = make(map[string]string)
			}
			t.created[pathKey(p.TenantID, p.Path)] = id
		}
	}

	v := document.Version{DocumentID: id, VersionID: latest.id, Number: latest.number}
	changed := latest.number == 0 || p.ContentHash == "" || latest.hash != p.ContentHash
	var next memVersion
	if changed {
		next = memVersion{
			id:            uuid.NewString(),
			number:        latest.number + 1,
			hash:          p.ContentHash,
			bytesLen:      p.BytesLen,
			pageCount:     p.PageCount,
			connectorType: p.ConnectorType,
			syncState:     source.CloneState(p.SyncState),
		}
		v.VersionID, v.Number, v.Changed = next.id, next.number, true
	}

	t.ops = append(t.ops, func() {
		d, ok := t.store.docs[id]
		if !ok {
			d = &memDoc{id: id, tenantID: p.TenantID, path: p.Path, chunks: make(map[int]memChunk)}
			t.store.docs[id] = d
			t.store.docByPath[pathKey(p.TenantID, p.Path)] = id
		}
		d.sourceID = p.SourceID
		if changed {
			d.versions = append(d.versions, next)
		}
	})
	return v, nil
}

func (t *memTx) InsertChunks(_ context.Context, tenantID, documentID string, chunks []text.Chunk, embeddings [][]float32) error {
	if embeddings != nil && len(embeddings) != len(chunks) {
		return errors.Newf("got %d embeddings for %d chunks", len(embeddings), len(chunks))
	}
	rows := make(map[int]memChunk, len(chunks))
	for i, c := range chunks {
		row := memChunk{content: c.Content, metadata: c.Metadata()}
		if embeddings != nil {
			row.embedding = slices.Clone(embeddings[i])
		}
		rows[i] = row
	}
	t.ops = append(t.ops, func() {
		d, ok := t.store.docs[documentID]
		if !ok || d.tenantID != tenantID {
			return
		}
		d.chunks = rows
	})
	return nil
}

func (t *memTx) DeleteByPath(ctx context.Context, tenantID, path string) (int64, error) {
	return t.docs.DeleteByPath(ctx, tenantID, path)
}

func (t *memTx) DeleteBySource(ctx context.Context, tenantID, sourceID string) (int64, error) {
	return t.docs.DeleteBySource(ctx, tenantID, sourceID)
}

func (t *memTx) Search(ctx context.Context, tenantID, query string, limit int) ([]document.SearchResult, error) {
	return t.docs.Search(ctx, tenantID, query, limit)
}
