package job

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

const defaultLogReadLimit = 64 * 1024

// LogSink is the append-only, per-job log file.
type LogSink struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenLog creates (or appends to) <dir>/<tenantID>/<jobID>.log.
func OpenLog(dir, tenantID, jobID string) (*LogSink, error) {
	path := filepath.Join(dir, filepath.Base(tenantID), filepath.Base(jobID)+".log")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "create job log dir")
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is built from ids, not user input
	if err != nil {
		return nil, errors.Wrap(err, "open job log")
	}
	s := &LogSink{path: path, file: f}
	s.logger = slog.New(slog.NewTextHandler(s, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return s, nil
}

func (s *LogSink) Path() string { return s.path }

func (s *LogSink) Logger() *slog.Logger { return s.logger }

func (s *LogSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, os.ErrClosed
	}
	return s.file.Write(p)
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	if closeErr != nil {
		return closeErr
	}
	return syncErr
}

// LogChunk is one slice of a job log. Status is only set once the job
// has reached a terminal state, which tells pollers to stop.
type LogChunk struct {
	Text       string `json:"text"`
	NextOffset int64  `json:"next_offset"`
	Total      int64  `json:"total"`
	Status     Status `json:"status,omitempty"`
}

// ReadLog returns up to limit bytes of the log at path starting at offset.
// A missing file reads as empty.
func ReadLog(path string, offset, limit int64) (LogChunk, error) {
	if limit <= 0 {
		limit = defaultLogReadLimit
	}
	if offset < 0 {
		offset = 0
	}
	if path == "" {
		return LogChunk{}, nil
	}

	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- path comes from the job row
	if errors.Is(err, os.ErrNotExist) {
		return LogChunk{NextOffset: offset}, nil
	}
	if err != nil {
		return LogChunk{}, errors.Wrap(err, "open job log")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return LogChunk{}, err
	}
	total := info.Size()
	if offset > total {
		offset = total
	}

	buf := make([]byte, min(limit, total-offset))
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return LogChunk{}, errors.Wrap(err, "read job log")
	}
	return LogChunk{
		Text:       string(buf[:n]),
		NextOffset: offset + int64(n),
		Total:      total,
	}, nil
}
