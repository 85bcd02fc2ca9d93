package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// PageText is what an OCR engine recognised on a single page image.
// Confidence is on a 0-100 scale.
type PageText struct {
	Text       string
	Confidence float64
	Words      int
}

// OCREngine recognises text in page images. An engine is opened for one
// extraction and must be closed afterwards.
type OCREngine interface {
	Recognize(ctx context.Context, imagePath string) (PageText, error)
	Close() error
}

// EngineFactory opens a fresh engine handle.
type EngineFactory func(ctx context.Context) (OCREngine, error)

var errEngineClosed = errors.New("ocr engine closed")

// TesseractEngine drives the tesseract CLI and reads its TSV output, which
// carries a per-word confidence.
type TesseractEngine struct {
	runner   CommandRunner
	language string
	dpi      int
	closed   atomic.Bool
}

// TesseractFactory returns an EngineFactory backed by the tesseract binary.
func TesseractFactory(runner CommandRunner, language string, dpi int) EngineFactory {
	if language == "" {
		language = "eng"
	}
	return func(ctx context.Context) (OCREngine, error) {
		return &TesseractEngine{runner: runner, language: language, dpi: dpi}, nil
	}
}

func (t *TesseractEngine) Recognize(ctx context.Context, imagePath string) (PageText, error) {
	if t.closed.Load() {
		return PageText{}, errEngineClosed
	}
	args := []string{imagePath, "stdout", "-l", t.language}
	if t.dpi > 0 {
		args = append(args, "--dpi", strconv.Itoa(t.dpi))
	}
	args = append(args, "tsv")

	out, err := t.runner.Run(ctx, "tesseract", args...)
	if err != nil {
		return PageText{}, err
	}
	return ParseTSV(strings.NewReader(string(out)))
}

func (t *TesseractEngine) Close() error {
	t.closed.Store(true)
	return nil
}

// ParseTSV rebuilds page text from tesseract TSV rows. Words on the same
// line are joined by spaces and paragraphs are separated by a blank line.
// The page confidence is the mean over recognised words.
func ParseTSV(r io.Reader) (PageText, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return PageText{}, nil
	}
	if err != nil {
		return PageText{}, fmt.Errorf("read tsv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"level", "block_num", "par_num", "line_num", "conf", "text"} {
		if _, ok := col[name]; !ok {
			return PageText{}, fmt.Errorf("tsv missing column %q", name)
		}
	}

	var (
		b        strings.Builder
		lastPar  string
		lastLine string
		sum      float64
		words    int
	)
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PageText{}, fmt.Errorf("read tsv row: %w", err)
		}
		if len(rec) <= col["text"] || rec[col["level"]] != "5" {
			continue
		}
		word := strings.TrimSpace(rec[col["text"]])
		conf, err := strconv.ParseFloat(rec[col["conf"]], 64)
		if word == "" || err != nil || conf < 0 {
			continue
		}

		par := rec[col["block_num"]] + "." + rec[col["par_num"]]
		line := par + "." + rec[col["line_num"]]
		switch {
		case words == 0:
		case par != lastPar:
			b.WriteString("\n\n")
		case line != lastLine:
			b.WriteString("\n")
		default:
			b.WriteString(" ")
		}
		b.WriteString(word)
		lastPar, lastLine = par, line
		sum += conf
		words++
	}

	page := PageText{Text: b.String(), Words: words}
	if words > 0 {
		page.Confidence = sum / float64(words)
	}
	return page, nil
}

// rasterize renders every page of src into dir as PNG files and returns
// their paths in page order.
func rasterize(ctx context.Context, runner CommandRunner, src, dir string, dpi int) ([]string, error) {
	prefix := filepath.Join(dir, "page")
	if _, err := runner.Run(ctx, "pdftoppm", "-r", strconv.Itoa(dpi), "-png", src, prefix); err != nil {
		return nil, err
	}
	return pageImages(dir)
}

// pageImages lists the page-N.png files pdftoppm produced, ordered by N.
// pdftoppm zero-pads N depending on the page count, so sort numerically.
func pageImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type page struct {
		n    int
		path string
	}
	var pages []page
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "page-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".png"))
		if err != nil {
			continue
		}
		pages = append(pages, page{n: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].n < pages[j].n })

	paths := make([]string, len(pages))
	for i, p := range pages {
		paths[i] = p.path
	}
	return paths, nil
}
