// Package transcribe holds the speech-to-text providers used by the
// transcription connector and the content-addressed transcript cache.
package transcribe

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrJobFailed is returned when a provider reports the transcription
// itself as failed.
var ErrJobFailed = errors.New("transcription failed")

type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Speaker    string   `json:"speaker,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Text       string   `json:"text"`
}

type Result struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language,omitempty"`
}

type Config struct {
	Language      string
	Model         string
	WhisperBinary string
	OutputBucket  string
	PollInterval  time.Duration
}

// Provider transcribes a media file. mediaPath is a local copy of the file,
// mediaURI the location the source was configured with.
type Provider interface {
	Transcribe(ctx context.Context, mediaPath, mediaURI string, cfg Config) (Result, error)
}

type Providers struct {
	mu sync.RWMutex
	m  map[string]Provider
}

func NewProviders() *Providers {
	return &Providers{m: make(map[string]Provider)}
}

// DefaultProviders registers mock, whisper_local and aws_transcribe.
func DefaultProviders() *Providers {
	p := NewProviders()
	p.Register("mock", &Mock{})
	p.Register("whisper_local", &Whisper{})
	p.Register("aws_transcribe", &AWS{})
	return p
}

func (p *Providers) Register(name string, provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[name] = provider
}

func (p *Providers) Get(name string) (Provider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider, ok := p.m[name]
	return provider, ok
}

func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.m))
	for n := range p.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
