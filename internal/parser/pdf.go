package parser

import (
	"context"
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ledongthuc/pdf"
)

// PDFCache holds parsed PDF segments keyed by path, size and mtime, so an
// edited file is never served stale. Eviction is least-recently-used.
type PDFCache struct {
	entries *lru.Cache
}

func NewPDFCache(size int) (*PDFCache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &PDFCache{entries: c}, nil
}

func (c *PDFCache) Len() int { return c.entries.Len() }

func pdfKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano()), nil
}

func (r *Registry) parsePDF(ctx context.Context, path string) ([]Segment, error) {
	key, err := pdfKey(path)
	if err != nil {
		return nil, err
	}
	if v, ok := r.pdf.entries.Get(key); ok {
		return v.([]Segment), nil
	}
	segs, err := extractPDF(ctx, path)
	if err != nil {
		return nil, err
	}
	r.pdf.entries.Add(key, segs)
	return segs, nil
}

func extractPDF(ctx context.Context, path string) ([]Segment, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segs []Segment
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		segs = append(segs, Segment{Text: text, PageNumber: i})
	}
	return segs, nil
}
