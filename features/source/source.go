package source

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

type Type string

const (
	TypeLocalFile     Type = "local_file"
	TypeURL           Type = "url"
	TypeSQL           Type = "sql"
	TypeREST          Type = "rest"
	TypeTranscription Type = "transcription"
)

// UsesConnector reports whether sources of this type stream through a
// connector rather than the local file / URL parsers.
func (t Type) UsesConnector() bool {
	switch t {
	case TypeSQL, TypeREST, TypeTranscription:
		return true
	}
	return false
}

var ErrNotFound = errors.New("source not found")

// Source is a tenant-owned origin of content. Identity is the lookup key
// used by lookup-or-create: the file path, the first URL, or the name.
type Source struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Type        Type              `json:"type"`
	Name        string            `json:"name"`
	Identity    string            `json:"identity"`
	Params      map[string]any    `json:"params,omitempty"`
	Credentials map[string]string `json:"-"`
	SyncState   map[string]any    `json:"sync_state,omitempty"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// URLs returns the url list of a url source.
func (s *Source) URLs() []string {
	raw, _ := s.Params["urls"].([]any)
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		if str, ok := u.(string); ok && str != "" {
			urls = append(urls, str)
		}
	}
	if len(urls) == 0 {
		if typed, ok := s.Params["urls"].([]string); ok {
			urls = append(urls, typed...)
		}
	}
	return urls
}

// Path returns the file path of a local_file source.
func (s *Source) Path() string {
	p, _ := s.Params["path"].(string)
	return p
}

type Repository interface {
	Create(ctx context.Context, src *Source) error
	LookupOrCreate(ctx context.Context, src *Source) error
	Get(ctx context.Context, tenantID, id string) (*Source, error)
	List(ctx context.Context, tenantID string) ([]Source, error)
	// UpdateSyncState replaces the stored state; it never merges.
	UpdateSyncState(ctx context.Context, tenantID, id string, state map[string]any) error
	SoftDelete(ctx context.Context, tenantID, id string) error
}

// CloneState deep-copies a sync state through its JSON form, which is also
// how it is stored.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(state)
	if err != nil {
		return map[string]any{}
	}
	out, err := DecodeState(b)
	if err != nil {
		return map[string]any{}
	}
	return out
}

// DecodeState decodes a stored JSON object. Integral numbers come back as
// int64 so large ids used as cursors keep every digit; other numbers are
// float64.
func DecodeState(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range out {
		out[k] = fromNumbers(v)
	}
	return out, nil
}

func fromNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = fromNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = fromNumbers(e)
		}
		return t
	default:
		return v
	}
}
