package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"conduit/features/source"
	"conduit/internal/text"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const (
	paginationNone   = "none"
	paginationPage   = "page"
	paginationCursor = "cursor"
)

type restPagination struct {
	Type           string `json:"type"`
	CursorParam    string `json:"cursor_param"`
	NextCursorPath string `json:"next_cursor_path"`
	PageParam      string `json:"page_param"`
	PageSizeParam  string `json:"page_size_param"`
	PageSize       int    `json:"page_size"`
	StartPage      int    `json:"start_page"`
}

type restConfig struct {
	BaseURL           string            `json:"base_url"`
	Endpoint          string            `json:"endpoint"`
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers"`
	QueryParams       map[string]any    `json:"query_params"`
	Body              any               `json:"body"`
	Pagination        restPagination    `json:"pagination"`
	RecordsPath       string            `json:"records_path"`
	IDField           string            `json:"id_field"`
	TextFields        []string          `json:"text_fields"`
	TimestampField    string            `json:"timestamp_field"`
	RequestsPerSecond float64           `json:"requests_per_second"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
}

// REST pages through a JSON API and emits one record per item.
type REST struct {
	cfg      restConfig
	endpoint string
	headers  http.Header
	prev     map[string]any
	chunking text.Options
	client   *http.Client
	limiter  *rate.Limiter

	stats *counters
	mu    sync.Mutex
	next  map[string]any
}

func NewREST(src source.Source, deps Deps) (Connector, error) {
	var cfg restConfig
	if err := decodeParams(src.Params, &cfg); err != nil {
		return nil, err
	}

	endpoint := cfg.URL
	if endpoint == "" {
		if cfg.BaseURL == "" && cfg.Endpoint == "" {
			return nil, configErrorf("rest: url or base_url/endpoint is required")
		}
		endpoint = strings.TrimRight(cfg.BaseURL, "/")
		if cfg.Endpoint != "" {
			endpoint += "/" + strings.TrimLeft(cfg.Endpoint, "/")
		}
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "rest: endpoint %q", endpoint), ErrConfig)
	}
	if cfg.IDField == "" {
		return nil, configErrorf("rest: id_field is required")
	}

	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	p := &cfg.Pagination
	if p.Type == "" {
		p.Type = paginationNone
	}
	switch p.Type {
	case paginationNone:
	case paginationPage:
		if p.PageParam == "" {
			p.PageParam = "page"
		}
		if p.StartPage == 0 {
			p.StartPage = 1
		}
	case paginationCursor:
		if p.CursorParam == "" {
			p.CursorParam = "cursor"
		}
		if p.NextCursorPath == "" {
			return nil, configErrorf("rest: cursor pagination needs next_cursor_path")
		}
	default:
		return nil, configErrorf("rest: unknown pagination type %q", p.Type)
	}

	headers := make(http.Header, len(cfg.Headers))
	fill := credentialReplacer(src.Credentials)
	for k, v := range cfg.Headers {
		headers.Set(k, fill.Replace(v))
	}

	c := &REST{
		cfg:      cfg,
		endpoint: endpoint,
		headers:  headers,
		prev:     source.CloneState(src.SyncState),
		chunking: deps.Chunking,
		client:   deps.HTTPClient,
		stats:    newCounters("pages", "records", "chunks"),
		next:     source.CloneState(src.SyncState),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

func credentialReplacer(creds map[string]string) *strings.Replacer {
	pairs := make([]string, 0, 2*len(creds))
	for k, v := range creds {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...)
}

func (c *REST) Metadata() map[string]any { return c.stats.snapshot() }

func (c *REST) NextSyncState() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return source.CloneState(c.next)
}

func (c *REST) Stream(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		p := c.cfg.Pagination
		page := p.StartPage
		if v, ok := asFloat(c.prev["page"]); ok && v > 0 {
			page = int(v)
		}
		cursor, _ := c.prev["cursor"].(string)
		lastCursor := cursor
		seen := map[string]bool{}
		var lastTimestamp string
		if ts, ok := c.prev["last_timestamp"].(string); ok {
			lastTimestamp = ts
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			params := url.Values{}
			switch p.Type {
			case paginationPage:
				params.Set(p.PageParam, strconv.Itoa(page))
				if p.PageSizeParam != "" && p.PageSize > 0 {
					params.Set(p.PageSizeParam, strconv.Itoa(p.PageSize))
				}
			case paginationCursor:
				if cursor != "" {
					params.Set(p.CursorParam, cursor)
					seen[cursor] = true
				}
			}

			body, err := c.fetch(ctx, params)
			if err != nil {
				yield(Record{}, err)
				return
			}
			c.stats.add("pages", 1)

			items, err := recordsAt(body, c.cfg.RecordsPath)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, item := range items {
				if err := ctx.Err(); err != nil {
					yield(Record{}, err)
					return
				}
				rec, ts, err := c.record(item)
				if err != nil {
					yield(Record{}, err)
					return
				}
				if ts > lastTimestamp {
					lastTimestamp = ts
				}
				c.stats.add("records", 1)
				c.stats.add("chunks", len(rec.Chunks))
				if !yield(rec, nil) {
					return
				}
			}

			done := false
			switch p.Type {
			case paginationNone:
				done = true
			case paginationPage:
				done = len(items) == 0 || (p.PageSize > 0 && len(items) < p.PageSize)
				page++
			case paginationCursor:
				next := stringAt(body, p.NextCursorPath)
				if next != "" {
					lastCursor = next
				}
				done = next == "" || next == cursor || seen[next]
				cursor = next
			}
			if done {
				break
			}
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		switch p.Type {
		case paginationPage:
			c.next["page"] = page
		case paginationCursor:
			if lastCursor != "" {
				c.next["cursor"] = lastCursor
			}
		}
		if c.cfg.TimestampField != "" && lastTimestamp != "" {
			c.next["last_timestamp"] = lastTimestamp
		}
	}
}

func (c *REST) fetch(ctx context.Context, params url.Values) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, errors.Mark(err, ErrConfig)
	}
	q := u.Query()
	for k, v := range c.cfg.QueryParams {
		q.Set(k, fmt.Sprint(v))
	}
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	var reqBody io.Reader
	if c.cfg.Body != nil && c.cfg.Method != http.MethodGet {
		b, err := json.Marshal(c.cfg.Body)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "rest: encode body"), ErrConfig)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, u.String(), reqBody)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "rest: build request"), ErrConfig)
	}
	req.Header = c.headers.Clone()
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "rest: %s %s", c.cfg.Method, c.endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Mark(
			errors.Newf("rest: %s %s: status %d: %s", c.cfg.Method, c.endpoint, resp.StatusCode, strings.TrimSpace(string(snippet))),
			ErrProvider)
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "rest: decode response"), ErrProvider)
	}
	return body, nil
}

func (c *REST) record(item any) (Record, string, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return Record{}, "", configErrorf("rest: record is %T, not an object", item)
	}
	idVal := valueAt(obj, c.cfg.IDField)
	if idVal == nil {
		return Record{}, "", configErrorf("rest: record missing id_field %q", c.cfg.IDField)
	}
	id := formatScalar(idVal)

	var parts []string
	for _, f := range c.cfg.TextFields {
		if v := valueAt(obj, f); v != nil {
			if s := strings.TrimSpace(formatScalar(v)); s != "" {
				parts = append(parts, s)
			}
		}
	}
	body := strings.Join(parts, "\n\n")
	if body == "" {
		b, _ := json.Marshal(obj)
		body = string(b)
	}

	path := strings.TrimRight(c.endpoint, "/") + "/" + id
	extra := map[string]any{"record_id": id}
	var ts string
	if c.cfg.TimestampField != "" {
		if v := valueAt(obj, c.cfg.TimestampField); v != nil {
			ts = formatScalar(v)
			extra["timestamp"] = ts
		}
	}

	return Record{
		DocumentPath: path,
		Chunks:       text.Split(body, chunkOptions(c.chunking, path, "application/json", extra)),
		ByteLen:      int64(len(body)),
		PageCount:    1,
		SyncState:    map[string]any{"id": id},
		Extra:        extra,
	}, ts, nil
}

// valueAt walks a dotted path through nested objects and arrays.
func valueAt(v any, path string) any {
	if path == "" {
		return v
	}
	for _, part := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func stringAt(v any, path string) string {
	got := valueAt(v, path)
	if got == nil {
		return ""
	}
	return formatScalar(got)
}

func recordsAt(body any, path string) ([]any, error) {
	switch v := valueAt(body, path).(type) {
	case []any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, configErrorf("rest: records_path %q is %T, not a list", path, v)
	}
}

// formatScalar prints JSON numbers without exponent noise.
func formatScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
