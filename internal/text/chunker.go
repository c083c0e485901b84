package text

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxChars = 1200
	DefaultOverlap  = 200
)

// Chunk is the unit persisted for retrieval. Zero values of the optional
// provenance fields mean "not set".
type Chunk struct {
	Content    string
	SourcePath string
	MimeType   string
	PageNumber int
	SheetName  string
	RowNumber  int
	Extra      map[string]any
}

// Metadata flattens provenance into a map, omitting unset and nil entries.
func (c Chunk) Metadata() map[string]any {
	m := make(map[string]any, 5+len(c.Extra))
	for k, v := range c.Extra {
		if v != nil {
			m[k] = v
		}
	}
	if c.SourcePath != "" {
		m["source_path"] = c.SourcePath
	}
	if c.MimeType != "" {
		m["mime_type"] = c.MimeType
	}
	if c.PageNumber > 0 {
		m["page_number"] = c.PageNumber
	}
	if c.SheetName != "" {
		m["sheet_name"] = c.SheetName
	}
	if c.RowNumber > 0 {
		m["row_number"] = c.RowNumber
	}
	return m
}

type Options struct {
	SourcePath string
	MimeType   string
	PageNumber int
	SheetName  string
	RowNumber  int
	Extra      map[string]any

	// MaxChars and Overlap are measured in characters (runes).
	MaxChars int
	Overlap  int
}

func (o Options) normalized() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MaxChars {
		o.Overlap = o.MaxChars / 2
	}
	return o
}

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)

// Split cuts content into overlapping chunks no longer than
// MaxChars+Overlap characters. Output is a pure function of the inputs.
func Split(content string, opts Options) []Chunk {
	opts = opts.normalized()
	paras := paragraphs(content)
	if len(paras) == 0 {
		return nil
	}

	raw := pack(paras, opts.MaxChars, opts.Overlap)
	stitched := stitch(raw, opts.MaxChars, opts.Overlap)

	chunks := make([]Chunk, 0, len(stitched))
	for _, s := range stitched {
		chunks = append(chunks, Chunk{
			Content:    s,
			SourcePath: opts.SourcePath,
			MimeType:   opts.MimeType,
			PageNumber: opts.PageNumber,
			SheetName:  opts.SheetName,
			RowNumber:  opts.RowNumber,
			Extra:      copyExtra(opts.Extra),
		})
	}
	return chunks
}

func paragraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	var out []string
	for _, p := range paragraphBreak.Split(content, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pack greedily joins paragraphs while buf+para+separator fits in maxChars.
// Paragraphs longer than maxChars are cut into overlapping windows.
func pack(paras []string, maxChars, overlap int) []string {
	var out []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			out = append(out, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, p := range paras {
		pLen := utf8.RuneCountInString(p)
		if pLen > maxChars {
			flush()
			out = append(out, window(p, maxChars, overlap)...)
			continue
		}
		if bufLen > 0 && bufLen+pLen+2 > maxChars {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString("\n\n")
			bufLen += 2
		}
		buf.WriteString(p)
		bufLen += pLen
	}
	flush()
	return out
}

func window(p string, maxChars, overlap int) []string {
	r := []rune(p)
	var out []string
	start := 0
	for {
		end := min(start+maxChars, len(r))
		out = append(out, string(r[start:end]))
		if end == len(r) {
			return out
		}
		start = end - overlap
	}
}

// stitch prepends the tail of the previous raw chunk to each chunk unless
// the result would exceed maxChars+overlap.
func stitch(raw []string, maxChars, overlap int) []string {
	out := make([]string, len(raw))
	if len(raw) > 0 {
		out[0] = raw[0]
	}
	for i := 1; i < len(raw); i++ {
		out[i] = raw[i]
		if overlap == 0 {
			continue
		}
		tail := strings.TrimSpace(lastRunes(raw[i-1], overlap))
		if tail == "" {
			continue
		}
		merged := tail + "\n" + raw[i]
		if utf8.RuneCountInString(merged) <= maxChars+overlap {
			out[i] = merged
		}
	}
	return out
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func copyExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	m := make(map[string]any, len(extra))
	for k, v := range extra {
		m[k] = v
	}
	return m
}
