package transcribe

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const keyPrefix = "transcript/"

// Entry is a cached transcript, addressed by the media checksum.
type Entry struct {
	Checksum  string    `json:"checksum"`
	MediaURI  string    `json:"media_uri"`
	Provider  string    `json:"provider"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// Fresh reports whether the entry may be reused. A matching previous
// checksum always wins; otherwise a non-positive ttl never expires.
func (e *Entry) Fresh(prevChecksum string, ttl time.Duration, now time.Time) bool {
	if prevChecksum != "" && prevChecksum == e.Checksum {
		return true
	}
	return ttl <= 0 || now.Sub(e.CreatedAt) < ttl
}

type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

type Cache struct {
	db *badger.DB
}

func openCache(dir string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cache dir %s", dir)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open transcript cache %s", dir)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Get(checksum string) (*Entry, bool, error) {
	var entry Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + checksum))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// Put overwrites any entry with the same checksum.
func (c *Cache) Put(e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+e.Checksum), val)
	})
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Caches hands out one open cache per directory. Badger holds an exclusive
// directory lock, so concurrent jobs must share the handle.
type Caches struct {
	mu     sync.Mutex
	open   map[string]*Cache
	logger *slog.Logger
}

func NewCaches(logger *slog.Logger) *Caches {
	if logger == nil {
		logger = slog.Default()
	}
	return &Caches{open: make(map[string]*Cache), logger: logger}
}

func (c *Caches) Open(dir string) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cache, ok := c.open[abs]; ok {
		return cache, nil
	}
	cache, err := openCache(abs, c.logger)
	if err != nil {
		return nil, err
	}
	c.open[abs] = cache
	return cache, nil
}

func (c *Caches) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for dir, cache := range c.open {
		if err := cache.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "close %s", dir))
		}
		delete(c.open, dir)
	}
	return errs
}
