// Package parser turns local files and fetched web pages into text
// segments with provenance, dispatching on file extension.
package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrTooLarge    = errors.New("response body too large")
)

// DefaultMaxFetchBytes caps a fetched page body.
const DefaultMaxFetchBytes int64 = 10 << 20

// Segment is one (text, metadata) unit produced by a parser. Zero
// PageNumber, SheetName and RowNumber mean "not applicable".
type Segment struct {
	Text       string
	PageNumber int
	SheetName  string
	RowNumber  int
	Extra      map[string]any
}

type Document struct {
	Segments []Segment
	MimeType string
	ByteLen  int64
	Checksum string
}

type ParseFunc func(ctx context.Context, path string) ([]Segment, error)

type format struct {
	mime  string
	parse ParseFunc
}

type Registry struct {
	formats map[string]format
	client  *http.Client
	pdf     *PDFCache

	maxFetch int64
}

// NewRegistry registers the built-in formats. pdfCacheEntries bounds the
// parsed-PDF cache owned by this registry.
func NewRegistry(client *http.Client, pdfCacheEntries int) (*Registry, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cache, err := NewPDFCache(pdfCacheEntries)
	if err != nil {
		return nil, err
	}
	r := &Registry{formats: make(map[string]format), client: client, pdf: cache, maxFetch: DefaultMaxFetchBytes}

	r.Register("text/markdown", parsePlain, ".md", ".markdown")
	r.Register("text/plain", parsePlain, ".txt")
	r.Register("text/html", parseHTMLFile, ".html", ".htm")
	r.Register("application/pdf", r.parsePDF, ".pdf")
	r.Register("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", parseXLSX, ".xlsx")
	r.Register("text/csv", parseCSV, ".csv")
	r.Register("application/json", parseJSON, ".json")
	return r, nil
}

func (r *Registry) Register(mime string, fn ParseFunc, exts ...string) {
	for _, ext := range exts {
		r.formats[strings.ToLower(ext)] = format{mime: mime, parse: fn}
	}
}

func (r *Registry) Supports(path string) bool {
	_, ok := r.formats[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (r *Registry) MimeType(path string) string {
	return r.formats[strings.ToLower(filepath.Ext(path))].mime
}

func (r *Registry) PDFCache() *PDFCache { return r.pdf }

// SetFetchLimit bounds the body FetchURL will read. n <= 0 restores the
// default.
func (r *Registry) SetFetchLimit(n int64) {
	if n <= 0 {
		n = DefaultMaxFetchBytes
	}
	r.maxFetch = n
}

func (r *Registry) ParseFile(ctx context.Context, path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := r.formats[ext]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "%q", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	if info.IsDir() {
		return nil, errors.Newf("%s is a directory", path)
	}
	sum, err := checksumFile(path)
	if err != nil {
		return nil, err
	}
	segs, err := f.parse(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", filepath.Base(path))
	}
	return &Document{Segments: segs, MimeType: f.mime, ByteLen: info.Size(), Checksum: sum}, nil
}

// FetchURL downloads a page and extracts its readable text.
func (r *Registry) FetchURL(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errors.Newf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxFetch+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", url)
	}
	if int64(len(body)) > r.maxFetch {
		return nil, errors.Wrapf(ErrTooLarge, "fetch %s: over %d bytes", url, r.maxFetch)
	}
	sum := sha256.Sum256(body)

	contentType := resp.Header.Get("Content-Type")
	var segs []Segment
	mime := "text/html"
	switch {
	case strings.HasPrefix(contentType, "text/plain"), strings.HasPrefix(contentType, "text/markdown"):
		mime = strings.TrimSpace(strings.Split(contentType, ";")[0])
		segs = plainSegments(string(body))
	default:
		segs, err = parseHTML(strings.NewReader(string(body)))
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", url)
		}
	}
	return &Document{Segments: segs, MimeType: mime, ByteLen: int64(len(body)), Checksum: hex.EncodeToString(sum[:])}, nil
}

// PageCount picks the richest signal in the segment metadata: highest page
// number, else distinct sheets, else highest row number, else 1.
func PageCount(segs []Segment) int {
	maxPage, maxRow := 0, 0
	sheets := make(map[string]struct{})
	for _, s := range segs {
		maxPage = max(maxPage, s.PageNumber)
		maxRow = max(maxRow, s.RowNumber)
		if s.SheetName != "" {
			sheets[s.SheetName] = struct{}{}
		}
	}
	switch {
	case maxPage > 0:
		return maxPage
	case len(sheets) > 0:
		return len(sheets)
	case maxRow > 0:
		return maxRow
	default:
		return 1
	}
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- operator-supplied ingestion path
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
