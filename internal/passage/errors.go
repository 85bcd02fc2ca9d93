package passage

import "errors"

// Failure taxonomy shared by extraction, indexing and retrieval. Callers wrap
// these with detail and compare with errors.Is.
var (
	ErrEmptyContent         = errors.New("empty content")
	ErrFetch                = errors.New("fetch failed")
	ErrExtractionFailed     = errors.New("extraction failed")
	ErrNoExtractableContent = errors.New("no extractable content")
	ErrMissingTenant        = errors.New("missing tenant")
	ErrIndexTimeout         = errors.New("index not ready before timeout")
	ErrIndexUnavailable     = errors.New("index unavailable")
	ErrEmbeddingFailed      = errors.New("embedding failed")
)
