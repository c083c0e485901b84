package connector

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"conduit/features/source"
	"conduit/internal/text"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type sqlQuery struct {
	Name                string   `json:"name"`
	Table               string   `json:"table"`
	SQL                 string   `json:"sql"`
	TextColumn          string   `json:"text_column"`
	IDColumn            string   `json:"id_column"`
	CursorColumn        string   `json:"cursor_column"`
	CursorParam         string   `json:"cursor_param"`
	InitialCursor       any      `json:"initial_cursor"`
	ExtraMetadataFields []string `json:"extra_metadata_fields"`
	PathTemplate        string   `json:"path_template"`
}

type sqlConfig struct {
	Driver   string     `json:"driver"`
	DSN      string     `json:"dsn"`
	Host     string     `json:"host"`
	Port     int        `json:"port"`
	Database string     `json:"database"`
	User     string     `json:"user"`
	Password string     `json:"password"`
	SSLMode  string     `json:"sslmode"`
	Queries  []sqlQuery `json:"queries"`
}

func (c sqlConfig) driverName() string {
	if c.Driver == "sqlite" {
		return "sqlite"
	}
	return "postgres"
}

func (c sqlConfig) dataSource() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == "sqlite" {
		return c.Database
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	mode := c.SSLMode
	if mode == "" {
		mode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, mode)
}

// SQL runs the configured queries and emits one record per row with
// non-null text. Cursor columns make repeated runs incremental.
type SQL struct {
	cfg      sqlConfig
	prev     map[string]any
	chunking text.Options

	stats *counters
	mu    sync.Mutex
	next  map[string]any
}

func NewSQL(src source.Source, deps Deps) (Connector, error) {
	var cfg sqlConfig
	if err := decodeParams(src.Params, &cfg); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case "", "postgres", "sqlite":
	default:
		return nil, configErrorf("sql: unsupported driver %q", cfg.Driver)
	}
	if cfg.Password == "" {
		cfg.Password = src.Credentials["password"]
	}
	if cfg.DSN == "" {
		cfg.DSN = src.Credentials["dsn"]
	}
	if cfg.DSN == "" && cfg.Database == "" {
		return nil, configErrorf("sql: dsn or database is required")
	}
	if len(cfg.Queries) == 0 {
		return nil, configErrorf("sql: at least one query is required")
	}
	for i, q := range cfg.Queries {
		if q.Name == "" || q.SQL == "" || q.TextColumn == "" || q.IDColumn == "" {
			return nil, configErrorf("sql: query %d needs name, sql, text_column and id_column", i)
		}
	}

	return &SQL{
		cfg:      cfg,
		prev:     source.CloneState(src.SyncState),
		chunking: deps.Chunking,
		stats:    newCounters("queries", "rows", "records", "chunks"),
		next:     source.CloneState(src.SyncState),
	}, nil
}

func (c *SQL) Metadata() map[string]any { return c.stats.snapshot() }

func (c *SQL) NextSyncState() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return source.CloneState(c.next)
}

func (c *SQL) Stream(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		db, err := sql.Open(c.cfg.driverName(), c.cfg.dataSource())
		if err != nil {
			yield(Record{}, errors.Wrap(err, "sql: open"))
			return
		}
		defer db.Close()

		for _, q := range c.cfg.Queries {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !c.runQuery(ctx, db, q, yield) {
				return
			}
		}
	}
}

// startCursor prefers the persisted cursor over the configured initial one.
func (c *SQL) startCursor(q sqlQuery) any {
	if queries, ok := c.prev["queries"].(map[string]any); ok {
		if entry, ok := queries[q.Name].(map[string]any); ok {
			if v, ok := entry["cursor"]; ok && v != nil {
				return bindCursor(v)
			}
		}
	}
	return q.InitialCursor
}

func (c *SQL) runQuery(ctx context.Context, db *sql.DB, q sqlQuery, yield func(Record, error) bool) bool {
	var args []any
	cursor := c.startCursor(q)
	if q.CursorColumn != "" {
		if q.CursorParam != "" {
			args = append(args, sql.Named(q.CursorParam, cursor))
		} else {
			args = append(args, cursor)
		}
	}

	rows, err := db.QueryContext(ctx, q.SQL, args...)
	if err != nil {
		return yield(Record{}, errors.Wrapf(err, "sql: query %s", q.Name))
	}
	defer rows.Close()
	c.stats.add("queries", 1)

	cols, err := rows.Columns()
	if err != nil {
		return yield(Record{}, errors.Wrapf(err, "sql: columns %s", q.Name))
	}

	var maxCursor any
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return yield(Record{}, err)
		}
		row, err := scanRow(rows, cols)
		if err != nil {
			return yield(Record{}, errors.Wrapf(err, "sql: scan %s", q.Name))
		}
		c.stats.add("rows", 1)

		if q.CursorColumn != "" {
			if v, ok := row[q.CursorColumn]; ok && v != nil {
				if maxCursor == nil || compareCursor(v, maxCursor) > 0 {
					maxCursor = v
				}
			}
		}

		body, ok := row[q.TextColumn]
		if !ok {
			return yield(Record{}, configErrorf("sql: query %s has no column %q", q.Name, q.TextColumn))
		}
		if body == nil {
			continue
		}
		rec := c.record(q, row, fmt.Sprint(body))
		c.stats.add("records", 1)
		c.stats.add("chunks", len(rec.Chunks))
		if !yield(rec, nil) {
			return false
		}
	}
	if err := rows.Err(); err != nil {
		return yield(Record{}, errors.Wrapf(err, "sql: rows %s", q.Name))
	}
	if err := ctx.Err(); err != nil {
		return yield(Record{}, err)
	}

	if maxCursor != nil {
		c.advance(q.Name, normalizeValue(maxCursor))
	}
	return true
}

func (c *SQL) advance(query string, cursor any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queries, ok := c.next["queries"].(map[string]any)
	if !ok {
		queries = map[string]any{}
		c.next["queries"] = queries
	}
	queries[query] = map[string]any{"cursor": cursor}
}

func (c *SQL) record(q sqlQuery, row map[string]any, body string) Record {
	id := fmt.Sprint(row[q.IDColumn])
	table := q.Table
	if table == "" {
		table = q.Name
	}
	tmpl := q.PathTemplate
	if tmpl == "" {
		tmpl = "{table}/{id}"
	}
	path := strings.NewReplacer("{table}", table, "{name}", q.Name, "{id}", id).Replace(tmpl)

	extra := map[string]any{"query": q.Name}
	for _, f := range q.ExtraMetadataFields {
		if v, ok := row[f]; ok && v != nil {
			extra[f] = normalizeValue(v)
		}
	}

	state := map[string]any{"query": q.Name, "id": id}
	if q.CursorColumn != "" {
		state["cursor"] = normalizeValue(row[q.CursorColumn])
	}

	return Record{
		DocumentPath: path,
		Chunks:       text.Split(body, chunkOptions(c.chunking, path, "text/plain", extra)),
		ByteLen:      int64(len(body)),
		PageCount:    1,
		SyncState:    state,
		Extra:        extra,
	}
}

func scanRow(rows *sql.Rows, cols []string) (map[string]any, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = vals[i]
	}
	return row, nil
}

// cursorTimeLayout is fixed width so persisted timestamps also order
// correctly as strings.
const cursorTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// normalizeValue keeps values JSON friendly so cursors survive the round
// trip through sync_state.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(cursorTimeLayout)
	default:
		return v
	}
}

// bindCursor turns a persisted timestamp back into a time.Time so the
// driver compares it as one.
func bindCursor(v any) any {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(cursorTimeLayout, s); err == nil {
			return t
		}
	}
	return v
}

func compareCursor(a, b any) int {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	if ia, ok := asInt(a); ok {
		if ib, ok := asInt(b); ok {
			return cmp.Compare(ia, ib)
		}
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	return strings.Compare(fmt.Sprint(normalizeValue(a)), fmt.Sprint(normalizeValue(b)))
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
