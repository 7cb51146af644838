package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"campus-assistant/internal/logger"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// Unit is one page-level piece of a loaded document: a PDF page, a
// spreadsheet sheet or a whole text file.
type Unit struct {
	Text string
	Page int
}

// Loader turns a stored file into units. It never returns an error: a file
// that cannot be parsed yields zero units.
type Loader struct {
	MaxFileSize int64
	// MinQuality drops pages whose text scores below it (0..1).
	MinQuality float64
}

func NewLoader(maxFileSize int64) *Loader {
	return &Loader{MaxFileSize: maxFileSize, MinQuality: 0.3}
}

func (l *Loader) Load(ctx context.Context, path string) (units []Unit) {
	log := logger.With("path", path)

	defer func() {
		if r := recover(); r != nil {
			log.Warn("Loader panicked, treating file as unreadable", "panic", r)
			units = nil
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil
	}

	stat, err := os.Stat(path)
	if err != nil {
		log.Warn("Cannot stat file", "error", err)
		return nil
	}
	if l.MaxFileSize > 0 && stat.Size() > l.MaxFileSize {
		log.Warn("File too large to load", "size", stat.Size(), "max", l.MaxFileSize)
		return nil
	}

	var raw []Unit
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		raw, err = loadPDF(path, stat.Size())
	case ".xlsx":
		raw, err = loadXLSX(path)
	case ".txt", ".md":
		raw, err = loadText(path)
	default:
		err = fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		log.Warn("Failed to parse file", "error", err)
		return nil
	}

	for _, u := range raw {
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		if q := textQuality(u.Text); q < l.MinQuality {
			log.Debug("Dropping low quality page", "page", u.Page, "quality", q)
			continue
		}
		units = append(units, u)
	}
	return units
}

func loadPDF(path string, size int64) ([]Unit, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	reader, err := pdf.NewReader(bytes.NewReader(content), size)
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	var units []Unit
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		// nil lets the reader resolve the page fonts itself
		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Debug("Failed to extract PDF page", "page", i, "error", err)
			continue
		}
		units = append(units, Unit{Text: text, Page: i})
	}
	return units, nil
}

func loadXLSX(path string) ([]Unit, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var units []Unit
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			logger.Debug("Failed to read sheet", "sheet", sheet, "error", err)
			continue
		}
		var b strings.Builder
		b.WriteString(sheet)
		b.WriteString("\n\n")
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, c := range row {
				if c = strings.TrimSpace(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) == 0 {
				continue
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteByte('\n')
		}
		units = append(units, Unit{Text: b.String(), Page: i + 1})
	}
	return units, nil
}

func loadText(path string) ([]Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("file is not valid UTF-8 text")
	}
	return []Unit{{Text: string(data), Page: 1}}, nil
}

// textQuality scores how much of text looks like readable characters.
func textQuality(text string) float64 {
	total, bad := 0, 0
	for _, r := range text {
		total++
		switch {
		case r == utf8.RuneError:
			bad++
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r), unicode.IsPunct(r), unicode.IsSymbol(r):
		case unicode.IsControl(r):
			bad++
		}
	}
	if total == 0 {
		return 0
	}
	if total < 10 {
		return 0.5
	}
	return 1 - float64(bad)/float64(total)
}
