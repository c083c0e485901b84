package parser

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path)) // #nosec G304 -- operator-supplied ingestion path
}

func parsePlain(_ context.Context, path string) ([]Segment, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return plainSegments(string(b)), nil
}

func plainSegments(s string) []Segment {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []Segment{{Text: s}}
}

func parseJSON(_ context.Context, path string) ([]Segment, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, errors.New("invalid json")
	}
	return plainSegments(string(b)), nil
}

const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th, dt, dd, figcaption"

func parseHTMLFile(_ context.Context, path string) ([]Segment, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- operator-supplied ingestion path
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseHTML(f)
}

// parseHTML keeps the text of leaf block elements, one paragraph each, and
// falls back to the body text for pages without block markup.
func parseHTML(r io.Reader) ([]Segment, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, template, nav, footer").Remove()

	var paras []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			paras = append(paras, t)
		}
	})
	if len(paras) == 0 {
		if t := collapse(doc.Find("body").Text()); t != "" {
			paras = append(paras, t)
		}
	}
	if len(paras) == 0 {
		return nil, nil
	}

	seg := Segment{Text: strings.Join(paras, "\n\n")}
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		seg.Extra = map[string]any{"title": title}
	}
	return []Segment{seg}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseXLSX yields one segment per non-empty sheet, rows tab-separated.
func parseXLSX(_ context.Context, path string) ([]Segment, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segs []Segment
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, errors.Wrapf(err, "sheet %s", sheet)
		}
		var lines []string
		for _, row := range rows {
			if line := strings.TrimSpace(strings.Join(row, "\t")); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		segs = append(segs, Segment{Text: strings.Join(lines, "\n"), SheetName: sheet})
	}
	return segs, nil
}

// parseCSV yields one segment per data row as "header: value" lines.
func parseCSV(_ context.Context, path string) ([]Segment, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- operator-supplied ingestion path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var segs []Segment
	for row := 1; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", row)
		}
		var lines []string
		for i, v := range rec {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			name := fmt.Sprintf("column_%d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				name = strings.TrimSpace(header[i])
			}
			lines = append(lines, name+": "+v)
		}
		if len(lines) == 0 {
			continue
		}
		segs = append(segs, Segment{Text: strings.Join(lines, "\n"), RowNumber: row})
	}
	return segs, nil
}
