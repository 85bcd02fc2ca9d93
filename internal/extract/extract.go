package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"docvault/internal/passage"
)

const (
	// MinPlainTextChars is the shortest trimmed plain-text body accepted.
	MinPlainTextChars = 10
	// MinExtractedChars is the shortest trimmed PDF or web text accepted.
	MinExtractedChars = 50
	// PageBreak separates pages of optically recognised text.
	PageBreak = "\n\n--- page break ---\n\n"
)

// Format is the kind of artifact being extracted.
type Format string

const (
	FormatText Format = "text"
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// DetectFormat picks a format from the declared content type, falling back
// to the file extension.
func DetectFormat(name, contentType string) (Format, error) {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "application/pdf":
			return FormatPDF, nil
		case mt == "text/html", mt == "application/xhtml+xml":
			return FormatHTML, nil
		case strings.HasPrefix(mt, "text/"), mt == "application/json":
			return FormatText, nil
		}
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF, nil
	case ".html", ".htm", ".xhtml":
		return FormatHTML, nil
	case ".txt", ".md", ".markdown", ".csv", ".log", ".rst", ".json", "":
		return FormatText, nil
	}
	return "", fmt.Errorf("%w: unsupported content type %q for %q", passage.ErrExtractionFailed, contentType, name)
}

// Artifact is a raw source handed over for extraction. Web pages either
// carry their HTML in Data or are fetched from URL.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
	URL         string
}

// Result is extracted plain text plus how it was obtained.
type Result struct {
	Text       string
	Format     Format
	Method     passage.ExtractionMethod
	Confidence *float64
	Title      string
}

type Options struct {
	OCREnabled    bool
	DPI           int
	Language      string
	Timeout       time.Duration
	UserAgent     string
	FetchTimeout  time.Duration
	MaxFetchBytes int64
	// TempDir is where per-extraction workspaces are created. Empty means
	// the OS default.
	TempDir string
}

func DefaultOptions() Options {
	return Options{
		OCREnabled:    true,
		DPI:           300,
		Language:      "eng",
		Timeout:       5 * time.Minute,
		UserAgent:     DefaultUserAgent,
		FetchTimeout:  30 * time.Second,
		MaxFetchBytes: 10 << 20,
	}
}

// Extractor produces plain text from uploads and web pages.
type Extractor struct {
	opts    Options
	runner  CommandRunner
	engines EngineFactory
	http    *http.Client
	logger  *slog.Logger
}

// New builds an Extractor that shells out to poppler and tesseract.
func New(opts Options, logger *slog.Logger) *Extractor {
	return NewWithRunner(opts, ExecRunner{}, &http.Client{Timeout: opts.FetchTimeout}, logger)
}

// NewWithRunner allows the external tools and HTTP client to be replaced.
func NewWithRunner(opts Options, runner CommandRunner, client *http.Client, logger *slog.Logger) *Extractor {
	def := DefaultOptions()
	if opts.DPI <= 0 {
		opts.DPI = def.DPI
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = def.MaxFetchBytes
	}
	if client == nil {
		client = &http.Client{Timeout: def.FetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		opts:    opts,
		runner:  runner,
		engines: TesseractFactory(runner, opts.Language, opts.DPI),
		http:    client,
		logger:  logger,
	}
}

// WithEngines swaps the OCR engine factory.
func (e *Extractor) WithEngines(f EngineFactory) *Extractor {
	e.engines = f
	return e
}

func (e *Extractor) OCREnabled() bool { return e.opts.OCREnabled }

// Extract returns the text of an artifact. Length gates for each format are
// applied here so callers receive ErrEmptyContent or ErrNoExtractableContent
// instead of passages built from noise.
func (e *Extractor) Extract(ctx context.Context, a Artifact) (*Result, error) {
	format := FormatHTML
	if a.URL == "" || (len(a.Data) > 0 && a.ContentType != "") {
		var err error
		if format, err = DetectFormat(a.Name, a.ContentType); err != nil {
			return nil, err
		}
	}

	switch format {
	case FormatPDF:
		return e.extractPDF(ctx, a.Data)
	case FormatHTML:
		return e.extractHTML(ctx, a)
	default:
		return ExtractPlainText(a.Data)
	}
}

// ExtractPlainText passes text through after normalising its encoding.
func ExtractPlainText(data []byte) (*Result, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinPlainTextChars {
		return nil, fmt.Errorf("%w: text shorter than %d characters", passage.ErrEmptyContent, MinPlainTextChars)
	}
	return &Result{Text: text, Format: FormatText}, nil
}

func (e *Extractor) extractHTML(ctx context.Context, a Artifact) (*Result, error) {
	raw := a.Data
	if len(raw) == 0 {
		var err error
		if raw, err = e.fetch(ctx, a.URL); err != nil {
			return nil, err
		}
	}

	title, text, err := ParseHTML(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", passage.ErrExtractionFailed, err)
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinExtractedChars {
		return nil, fmt.Errorf("%w: page %q has fewer than %d readable characters", passage.ErrEmptyContent, a.URL, MinExtractedChars)
	}
	return &Result{Text: text, Format: FormatHTML, Title: title}, nil
}
