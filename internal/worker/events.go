package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docvault/internal/passage"
)

// IngestTask is the payload published on the ingest topic.
type IngestTask struct {
	TenantID      string `json:"tenant_id"`
	SourceID      string `json:"source_id"`
	Kind          string `json:"kind"`
	URL           string `json:"url,omitempty"`
	Path          string `json:"path,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DecodeTask parses a task and rejects unknown fields and missing data.
func DecodeTask(body []byte) (*IngestTask, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var t IngestTask
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *IngestTask) Validate() error {
	if strings.TrimSpace(t.TenantID) == "" {
		return passage.ErrMissingTenant
	}
	if strings.TrimSpace(t.SourceID) == "" {
		return errors.New("task has no source_id")
	}
	kind, err := passage.ParseSourceKind(t.Kind)
	if err != nil {
		return err
	}
	switch {
	case kind == passage.SourceKindWeb && t.URL == "":
		return errors.New("web task has no url")
	case kind == passage.SourceKindUpload && t.Path == "":
		return errors.New("upload task has no path")
	}
	return nil
}

// Encode marshals the task for publishing.
func (t *IngestTask) Encode() ([]byte, error) {
	return json.Marshal(t)
}
