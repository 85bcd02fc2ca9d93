package passage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind is the closed set of origins a passage can come from.
type SourceKind string

const (
	SourceKindUpload SourceKind = "upload"
	SourceKindWeb    SourceKind = "web"
)

// ParseSourceKind rejects anything outside the known kinds.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(strings.ToLower(strings.TrimSpace(s))); k {
	case SourceKindUpload, SourceKindWeb:
		return k, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

// ExtractionMethod records how text was obtained from a PDF.
type ExtractionMethod string

const (
	ExtractionDirect  ExtractionMethod = "direct"
	ExtractionOptical ExtractionMethod = "optical"
)

// UploadMetadata is carried by passages whose SourceKind is upload.
type UploadMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// WebMetadata is carried by passages whose SourceKind is web.
type WebMetadata struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Signals are cheap structural features computed by the semantic chunker and
// consumed by the re-ranker.
type Signals struct {
	HasQuestion   bool `json:"has_question"`
	HasDigits     bool `json:"has_digits"`
	HasProperName bool `json:"has_proper_name"`
	WordCount     int  `json:"word_count"`
}

// Passage is the atomic retrievable unit.
type Passage struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	TenantID      string     `json:"tenant_id"`
	SourceID      string     `json:"source_id"`
	SourceKind    SourceKind `json:"source_kind"`
	SequenceIndex int        `json:"sequence_index"`
	CreatedAt     time.Time  `json:"created_at"`

	// Set only for PDF-derived passages.
	ExtractionMethod  ExtractionMethod `json:"extraction_method,omitempty"`
	OpticalConfidence *float64         `json:"optical_confidence,omitempty"`

	Upload  *UploadMetadata `json:"upload,omitempty"`
	Web     *WebMetadata    `json:"web,omitempty"`
	Signals *Signals        `json:"signals,omitempty"`

	Vector []float32 `json:"-"`
}

// Validate checks the invariants a passage must hold before it is written.
func (p *Passage) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: passage %d of %q", ErrMissingTenant, p.SequenceIndex, p.SourceID)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("passage %d of %q has no text", p.SequenceIndex, p.SourceID)
	}
	if p.SequenceIndex < 0 {
		return fmt.Errorf("passage of %q has negative sequence index", p.SourceID)
	}
	switch p.SourceKind {
	case SourceKindUpload:
		if p.Web != nil {
			return fmt.Errorf("upload passage %q carries web metadata", p.SourceID)
		}
	case SourceKindWeb:
		if p.Upload != nil {
			return fmt.Errorf("web passage %q carries upload metadata", p.SourceID)
		}
	default:
		return fmt.Errorf("unknown source kind %q", p.SourceKind)
	}
	if p.OpticalConfidence != nil && (*p.OpticalConfidence < 0 || *p.OpticalConfidence > 100) {
		return fmt.Errorf("optical confidence %.2f out of range", *p.OpticalConfidence)
	}
	return nil
}

var idNamespace = uuid.MustParse("6f1c2a7e-3b0d-4f58-9a51-0c2d8e4b7a10")

// ID derives the stable identifier of the passage at seq within a source, so
// re-ingesting the same source overwrites instead of duplicating.
func ID(tenantID, sourceID string, seq int) string {
	key := tenantID + "\x00" + sourceID + "\x00" + strconv.Itoa(seq)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// Scored pairs a passage with its ranking score. Similarity is the raw
// vector similarity; Score is what the results are ordered by.
type Scored struct {
	Passage    Passage `json:"passage"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// SourceRecord is the registry's ledger entry for one ingested source. The
// index stays the source of truth for passages.
type SourceRecord struct {
	TenantID       string     `json:"tenant_id"`
	SourceID       string     `json:"source_id"`
	SourceKind     SourceKind `json:"source_kind"`
	ChunkCount     int        `json:"chunk_count"`
	LastIngestedAt time.Time  `json:"last_ingested_at"`
	CreatedAt      time.Time  `json:"created_at"`
}
