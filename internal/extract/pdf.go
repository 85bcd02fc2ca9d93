package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"docvault/internal/passage"
)

func (e *Extractor) textLayer(ctx context.Context, src string) (string, error) {
	out, err := e.runner.Run(ctx, "pdftotext", "-layout", "-enc", "UTF-8", src, "-")
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(out), "�"), nil
}

func trimmedLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// extractPDF reads the text layer and falls back to optical recognition when
// it is missing or too short.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var res *Result
	err := withWorkspace(e.opts.TempDir, "docvault-pdf-", func(dir string) error {
		src := filepath.Join(dir, "source.pdf")
		if err := os.WriteFile(src, data, 0o600); err != nil {
			return fmt.Errorf("%w: stage pdf: %v", passage.ErrExtractionFailed, err)
		}

		direct, err := e.textLayer(ctx, src)
		if err != nil {
			e.logger.WarnContext(ctx, "pdf text layer extraction failed", "error", err)
		} else if trimmedLen(direct) >= MinExtractedChars {
			res = &Result{Text: direct, Format: FormatPDF, Method: passage.ExtractionDirect}
			return nil
		}

		if !e.opts.OCREnabled {
			return fmt.Errorf("%w: text layer has %d characters, need %d, and optical extraction is disabled",
				passage.ErrNoExtractableContent, trimmedLen(direct), MinExtractedChars)
		}

		e.logger.InfoContext(ctx, "falling back to optical extraction", "text_layer_chars", trimmedLen(direct))
		optical, err := e.optical(ctx, dir, src)
		if err != nil {
			return err
		}

		switch {
		case trimmedLen(optical.Text) >= MinPlainTextChars:
			res = optical
		case trimmedLen(direct) >= MinPlainTextChars:
			res = &Result{Text: direct, Format: FormatPDF, Method: passage.ExtractionDirect}
		default:
			return fmt.Errorf("%w: neither text layer nor optical recognition produced text", passage.ErrNoExtractableContent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// optical rasterises every page inside dir and recognises them in page
// order. The page images live in dir and go away with it.
func (e *Extractor) optical(ctx context.Context, dir, src string) (*Result, error) {
	pagesDir := filepath.Join(dir, "pages")
	if err := os.Mkdir(pagesDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", passage.ErrExtractionFailed, err)
	}

	pages, err := rasterize(ctx, e.runner, src, pagesDir, e.opts.DPI)
	if err != nil {
		return nil, fmt.Errorf("%w: rasterize: %v", passage.ErrExtractionFailed, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: document has no pages", passage.ErrExtractionFailed)
	}

	texts := make([]string, 0, len(pages))
	var total float64
	err = withEngine(ctx, e.engines, func(engine OCREngine) error {
		for i, img := range pages {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, err := engine.Recognize(ctx, img)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			texts = append(texts, strings.TrimSpace(page.Text))
			total += page.Confidence
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ocr: %v", passage.ErrExtractionFailed, err)
	}

	confidence := min(max(total/float64(len(pages)), 0), 100)
	return &Result{
		Text:       strings.Join(texts, PageBreak),
		Format:     FormatPDF,
		Method:     passage.ExtractionOptical,
		Confidence: &confidence,
	}, nil
}

// IsScanned reports whether a PDF looks image-only, judged by the amount of
// text its text layer yields. A document whose text layer cannot be read at
// all counts as scanned.
func (e *Extractor) IsScanned(ctx context.Context, data []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	scanned := true
	err := withWorkspace(e.opts.TempDir, "docvault-scan-", func(dir string) error {
		src := filepath.Join(dir, "source.pdf")
		if err := os.WriteFile(src, data, 0o600); err != nil {
			return fmt.Errorf("%w: stage pdf: %v", passage.ErrExtractionFailed, err)
		}
		text, err := e.textLayer(ctx, src)
		if err != nil {
			e.logger.WarnContext(ctx, "scanned pre-check could not read text layer", "error", err)
			return nil
		}
		scanned = utf8.RuneCountInString(strings.Join(strings.Fields(text), " ")) < MinExtractedChars
		return nil
	})
	return scanned, err
}
