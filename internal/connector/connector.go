// Package connector streams records out of external systems. Each
// connector is built from a Source and reports the sync state to persist
// once its stream has been fully drained.
package connector

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"conduit/features/source"
	"conduit/internal/connector/transcribe"
	"conduit/internal/text"

	"github.com/cockroachdb/errors"
)

var (
	// ErrConfig marks errors caused by a bad source configuration.
	ErrConfig = errors.New("connector configuration")
	// ErrProvider marks failures reported by a remote provider.
	ErrProvider = errors.New("provider failure")
)

// Record is one document emitted by a connector, already chunked.
type Record struct {
	DocumentPath string
	Chunks       []text.Chunk
	ByteLen      int64
	PageCount    int
	SyncState    map[string]any
	Extra        map[string]any
}

type Connector interface {
	Stream(ctx context.Context) iter.Seq2[Record, error]
	Metadata() map[string]any
	NextSyncState() map[string]any
}

// Deps are the shared resources handed to every factory.
type Deps struct {
	HTTPClient *http.Client
	Caches     *transcribe.Caches
	Providers  *transcribe.Providers
	Chunking   text.Options
	CacheDir   string
	Logger     *slog.Logger
}

type Factory func(src source.Source, deps Deps) (Connector, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[source.Type]Factory
	deps      Deps
}

func NewRegistry(deps Deps) *Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Providers == nil {
		deps.Providers = transcribe.DefaultProviders()
	}
	r := &Registry{factories: make(map[source.Type]Factory), deps: deps}
	r.Register(source.TypeSQL, NewSQL)
	r.Register(source.TypeREST, NewREST)
	r.Register(source.TypeTranscription, NewTranscription)
	return r
}

func (r *Registry) Register(t source.Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Build resolves the factory for the source type. An unknown type is a
// configuration error.
func (r *Registry) Build(src source.Source) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[src.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Mark(errors.Newf("no connector for source type %q", src.Type), ErrConfig)
	}
	return f(src, r.deps)
}

// decodeParams maps the free-form source params onto a typed config.
func decodeParams(params map[string]any, out any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "encode params"), ErrConfig)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Mark(errors.Wrap(err, "decode params"), ErrConfig)
	}
	return nil
}

func configErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}

func chunkOptions(base text.Options, path, mime string, extra map[string]any) text.Options {
	return text.Options{
		SourcePath: path,
		MimeType:   mime,
		Extra:      extra,
		MaxChars:   base.MaxChars,
		Overlap:    base.Overlap,
	}
}

// counters backs Metadata for every connector.
type counters struct {
	mu sync.Mutex
	m  map[string]any
}

func newCounters(keys ...string) *counters {
	c := &counters{m: make(map[string]any, len(keys))}
	for _, k := range keys {
		c.m[k] = 0
	}
	return c
}

func (c *counters) add(key string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _ := c.m[key].(int)
	c.m[key] = v + n
}

func (c *counters) set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
}

func (c *counters) snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
