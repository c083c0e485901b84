package transcribe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

const mockReadLimit = 1 << 20

// Mock derives a transcript from the media file itself: each non-empty
// line of a UTF-8 file becomes a one-second segment. Binary media yields a
// single placeholder segment. It counts calls for cache tests.
type Mock struct {
	calls atomic.Int64
}

func (m *Mock) Calls() int { return int(m.calls.Load()) }

func (m *Mock) Transcribe(ctx context.Context, mediaPath, mediaURI string, cfg Config) (Result, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	f, err := os.Open(filepath.Clean(mediaPath))
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, mockReadLimit))
	if err != nil {
		return Result{}, err
	}

	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	if !utf8.Valid(raw) {
		return Result{
			Language: lang,
			Segments: []Segment{{Start: 0, End: 1, Speaker: "spk_0", Text: "mock transcript of " + filepath.Base(mediaURI)}},
		}, nil
	}

	var segs []Segment
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		start := float64(len(segs))
		conf := 1.0
		segs = append(segs, Segment{Start: start, End: start + 1, Speaker: "spk_0", Confidence: &conf, Text: line})
	}
	return Result{Language: lang, Segments: segs}, nil
}
