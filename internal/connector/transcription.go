package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"iter"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conduit/features/source"
	"conduit/internal/connector/transcribe"
	"conduit/internal/text"

	"github.com/cockroachdb/errors"
	getter "github.com/hashicorp/go-getter"
)

type transcriptionConfig struct {
	Provider        string  `json:"provider"`
	MediaURI        string  `json:"media_uri"`
	Language        string  `json:"language"`
	CacheDir        string  `json:"cache_dir"`
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
	PollInterval    float64 `json:"poll_interval"`
	Model           string  `json:"model"`
	WhisperBinary   string  `json:"whisper_binary"`
	OutputBucket    string  `json:"output_bucket"`
}

// Transcription turns one media file into a timestamped transcript record.
// Transcripts are cached by content checksum across jobs.
type Transcription struct {
	cfg      transcriptionConfig
	provider transcribe.Provider
	caches   *transcribe.Caches
	cacheDir string
	prev     map[string]any

	stats *counters
	mu    sync.Mutex
	next  map[string]any
	now   func() time.Time
}

func NewTranscription(src source.Source, deps Deps) (Connector, error) {
	var cfg transcriptionConfig
	if err := decodeParams(src.Params, &cfg); err != nil {
		return nil, err
	}
	if cfg.MediaURI == "" {
		return nil, configErrorf("transcription: media_uri is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "mock"
	}
	provider, ok := deps.Providers.Get(cfg.Provider)
	if !ok {
		return nil, configErrorf("transcription: unknown provider %q (have %s)",
			cfg.Provider, strings.Join(deps.Providers.Names(), ", "))
	}
	dir := cfg.CacheDir
	if dir == "" {
		dir = deps.CacheDir
	}

	return &Transcription{
		cfg:      cfg,
		provider: provider,
		caches:   deps.Caches,
		cacheDir: dir,
		prev:     source.CloneState(src.SyncState),
		stats:    newCounters("segments", "chunks", "records"),
		next:     source.CloneState(src.SyncState),
		now:      time.Now,
	}, nil
}

func (c *Transcription) Metadata() map[string]any { return c.stats.snapshot() }

func (c *Transcription) NextSyncState() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return source.CloneState(c.next)
}

func (c *Transcription) Stream(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		c.stats.set("cache_hit", false)

		local, cleanup, err := fetchMedia(ctx, c.cfg.MediaURI)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer cleanup()

		info, err := os.Stat(local)
		if err != nil {
			yield(Record{}, errors.Wrap(err, "transcription: stat media"))
			return
		}
		sum, err := fileChecksum(local)
		if err != nil {
			yield(Record{}, errors.Wrap(err, "transcription: checksum"))
			return
		}

		entry, err := c.transcript(ctx, local, sum)
		if err != nil {
			yield(Record{}, err)
			return
		}

		rec := c.record(entry, info.Size())
		c.stats.add("segments", len(entry.Result.Segments))
		c.stats.add("chunks", len(rec.Chunks))
		c.stats.add("records", 1)
		if !yield(rec, nil) {
			return
		}

		c.mu.Lock()
		c.next = map[string]any{
			"checksum":       sum,
			"media_uri":      c.cfg.MediaURI,
			"transcribed_at": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		c.mu.Unlock()
	}
}

// transcript serves from the cache when the entry is fresh and calls the
// provider otherwise.
func (c *Transcription) transcript(ctx context.Context, local, sum string) (*transcribe.Entry, error) {
	var cache *transcribe.Cache
	if c.caches != nil && c.cacheDir != "" {
		var err error
		if cache, err = c.caches.Open(c.cacheDir); err != nil {
			return nil, err
		}
		entry, ok, err := cache.Get(sum)
		if err != nil {
			return nil, errors.Wrap(err, "transcription: cache read")
		}
		prevSum, _ := c.prev["checksum"].(string)
		ttl := time.Duration(c.cfg.CacheTTLSeconds) * time.Second
		if ok && entry.Fresh(prevSum, ttl, c.now()) {
			c.stats.set("cache_hit", true)
			return entry, nil
		}
	}

	res, err := c.provider.Transcribe(ctx, local, c.cfg.MediaURI, transcribe.Config{
		Language:      c.cfg.Language,
		Model:         c.cfg.Model,
		WhisperBinary: c.cfg.WhisperBinary,
		OutputBucket:  c.cfg.OutputBucket,
		PollInterval:  time.Duration(c.cfg.PollInterval * float64(time.Second)),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = errors.Wrapf(err, "transcription: %s", c.cfg.Provider)
		if errors.Is(err, transcribe.ErrJobFailed) {
			err = errors.Mark(err, ErrProvider)
		}
		return nil, err
	}

	entry := &transcribe.Entry{
		Checksum:  sum,
		MediaURI:  c.cfg.MediaURI,
		Provider:  c.cfg.Provider,
		Result:    res,
		CreatedAt: c.now().UTC(),
	}
	if cache != nil {
		if err := cache.Put(*entry); err != nil {
			return nil, errors.Wrap(err, "transcription: cache write")
		}
	}
	return entry, nil
}

func (c *Transcription) record(entry *transcribe.Entry, size int64) Record {
	mimeType := mediaType(c.cfg.MediaURI)

	var chunks []text.Chunk
	for _, seg := range entry.Result.Segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		extra := map[string]any{"start": seg.Start, "end": seg.End}
		if seg.Speaker != "" {
			extra["speaker"] = seg.Speaker
		}
		if seg.Confidence != nil {
			extra["confidence"] = *seg.Confidence
		}
		chunks = append(chunks, text.Chunk{
			Content:    strings.TrimSpace(seg.Text),
			SourcePath: c.cfg.MediaURI,
			MimeType:   mimeType,
			Extra:      extra,
		})
	}

	extra := map[string]any{"provider": entry.Provider}
	if entry.Result.Language != "" {
		extra["language"] = entry.Result.Language
	}
	return Record{
		DocumentPath: c.cfg.MediaURI,
		Chunks:       chunks,
		ByteLen:      size,
		PageCount:    1,
		SyncState:    map[string]any{"checksum": entry.Checksum},
		Extra:        extra,
	}
}

var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

func mediaType(uri string) string {
	ext := strings.ToLower(path.Ext(uri))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// fetchMedia returns a local path for the media. Remote media is
// downloaded into a temp dir that cleanup removes.
func fetchMedia(ctx context.Context, uri string) (string, func(), error) {
	noop := func() {}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return uri, noop, nil
	}

	var src string
	switch u.Scheme {
	case "file":
		return u.Path, noop, nil
	case "s3":
		src = "s3::https://s3.amazonaws.com/" + u.Host + u.Path
	case "http", "https":
		src = uri
	default:
		return "", noop, configErrorf("transcription: unsupported media scheme %q", u.Scheme)
	}

	dir, err := os.MkdirTemp("", "conduit-media-*")
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "media"
	}
	dst := filepath.Join(dir, name)
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		cleanup()
		if ctx.Err() != nil {
			return "", noop, ctx.Err()
		}
		return "", noop, errors.Wrapf(err, "transcription: fetch %s", uri)
	}
	return dst, cleanup, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- media path from source config
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
