package text

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"docvault/internal/passage"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	SemanticChunkSize    = 2000
	SemanticChunkOverlap = 400
)

// DefaultSeparators are ordered from the strongest break point to the
// weakest. The trailing empty string splits anywhere.
var DefaultSeparators = []string{
	"\n\n\n", "\n\n", "\n",
	". ", "! ", "? ", "。", "！", "？",
	"; ", ", ", "；", "，", "、",
	" ", "",
}

// SemanticSeparators prefer section and paragraph breaks before falling back
// to sentence and clause boundaries.
var SemanticSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n---\n",
	"\n\n\n", "\n\n",
	". ", "! ", "? ", "。", "！", "？",
	"\n",
	"; ", "；", ", ", "，", "、",
	" ", "",
}

// Config controls how text is cut into passages. Sizes count characters,
// not bytes.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
	// Semantic tags each passage with structural signals for re-ranking.
	Semantic bool
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		Separators:   DefaultSeparators,
	}
}

func SemanticConfig() Config {
	return Config{
		ChunkSize:    SemanticChunkSize,
		ChunkOverlap: SemanticChunkOverlap,
		Separators:   SemanticSeparators,
		Semantic:     true,
	}
}

func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.ChunkSize, c.ChunkOverlap)
	}
	if len(c.Separators) == 0 {
		return fmt.Errorf("at least one separator is required")
	}
	return nil
}

// Chunker turns extracted text into passages for one source.
type Chunker struct {
	cfg Config
	now func() time.Time
}

func NewChunker(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg, now: time.Now}, nil
}

func (c *Chunker) Config() Config { return c.cfg }

// Split cuts text into ordered passages. Callers are expected to have
// rejected empty or near-empty input already.
func (c *Chunker) Split(text, tenantID, sourceID string, kind passage.SourceKind) []passage.Passage {
	created := c.now().UTC()
	var out []passage.Passage
	for _, chunk := range SplitText(text, c.cfg) {
		seq := len(out)
		p := passage.Passage{
			ID:            passage.ID(tenantID, sourceID, seq),
			Text:          chunk,
			TenantID:      tenantID,
			SourceID:      sourceID,
			SourceKind:    kind,
			SequenceIndex: seq,
			CreatedAt:     created,
		}
		if c.cfg.Semantic {
			s := DetectSignals(chunk)
			p.Signals = &s
		}
		out = append(out, p)
	}
	return out
}

// SplitText merges the atomic pieces of text into passages of at most
// ChunkSize characters. Every passage after the first starts with the last
// ChunkOverlap characters of its predecessor.
func SplitText(text string, cfg Config) []string {
	if text == "" {
		return nil
	}
	limit := cfg.ChunkSize - cfg.ChunkOverlap
	if limit <= 0 {
		limit = cfg.ChunkSize
	}

	var (
		out     []string
		cur     strings.Builder
		curLen  int
		hasCore bool
	)
	emit := func() {
		s := cur.String()
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
		tail := lastRunes(s, cfg.ChunkOverlap)
		cur.Reset()
		cur.WriteString(tail)
		curLen = utf8.RuneCountInString(tail)
		hasCore = false
	}

	for _, piece := range Pieces(text, cfg.Separators, limit) {
		n := utf8.RuneCountInString(piece)
		if hasCore && curLen+n > cfg.ChunkSize {
			emit()
		}
		cur.WriteString(piece)
		curLen += n
		hasCore = true
	}
	if hasCore {
		emit()
	}
	return out
}

// Pieces partitions text into consecutive pieces of at most limit characters
// whose concatenation is text. Each oversized piece is re-split with the
// separators weaker than the one that produced it. The empty separator cuts
// at character boundaries. A piece that none of the separators can break is
// returned whole.
func Pieces(text string, separators []string, limit int) []string {
	type frame struct {
		text string
		seps []string
	}

	var out []string
	stack := []frame{{text: text, seps: separators}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if utf8.RuneCountInString(f.text) <= limit {
			out = append(out, f.text)
			continue
		}

		sep, weaker, ok := pickSeparator(f.text, f.seps)
		if !ok {
			out = append(out, f.text)
			continue
		}
		if sep == "" {
			out = append(out, hardCut(f.text, limit)...)
			continue
		}

		parts := strings.SplitAfter(f.text, sep)
		for i := len(parts) - 1; i >= 0; i-- {
			if parts[i] == "" {
				continue
			}
			stack = append(stack, frame{text: parts[i], seps: weaker})
		}
	}
	return out
}

func pickSeparator(text string, seps []string) (string, []string, bool) {
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			return s, seps[i+1:], true
		}
	}
	return "", nil, false
}

func hardCut(text string, limit int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-n:])
}

var (
	digitRunRe   = regexp.MustCompile(`\d+`)
	properNameRe = regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`)
)

// DetectSignals computes the structural features the re-ranker looks at.
func DetectSignals(text string) passage.Signals {
	return passage.Signals{
		HasQuestion:   strings.ContainsAny(text, "?？"),
		HasDigits:     digitRunRe.MatchString(text),
		HasProperName: properNameRe.MatchString(text),
		WordCount:     len(strings.Fields(text)),
	}
}
