package source

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"docvault/internal/middleware"
	"docvault/internal/passage"
)

// DefaultMaxUploadBytes caps a multipart upload request.
const DefaultMaxUploadBytes int64 = 50 << 20

type Handler struct {
	service  *Service
	maxBytes int64
}

func NewHandler(service *Service, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{service: service, maxBytes: maxUploadBytes}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func readFile(fh *multipart.FileHeader) (File, error) {
	f, err := fh.Open()
	if err != nil {
		return File{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return File{}, err
	}
	return File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}

// Upload accepts one or more files under the "files" or "file" form fields.
// With ?async=true every file is staged and queued instead of ingested inline.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(ctx, w, "PAYLOAD_TOO_LARGE", "upload exceeds the size limit", http.StatusRequestEntityTooLarge)
			return
		}
		middleware.WriteError(ctx, w, "BAD_REQUEST", "invalid multipart form", http.StatusBadRequest)
		return
	}

	headers := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		middleware.WriteError(ctx, w, "BAD_REQUEST", "no files in request", http.StatusBadRequest)
		return
	}

	files := make([]File, 0, len(headers))
	for _, fh := range headers {
		if !SupportedUpload(fh.Filename, fh.Header.Get("Content-Type")) {
			middleware.WriteError(ctx, w, "UNSUPPORTED_TYPE", "unsupported file type: "+fh.Filename, http.StatusBadRequest)
			return
		}
		f, err := readFile(fh)
		if err != nil {
			middleware.WriteError(ctx, w, "BAD_REQUEST", "unable to read "+fh.Filename, http.StatusBadRequest)
			return
		}
		files = append(files, f)
	}

	if r.URL.Query().Get("async") == "true" {
		queued := make([]interface{}, 0, len(files))
		for _, f := range files {
			task, err := h.service.QueueUpload(ctx, tenant, f)
			if err != nil {
				middleware.WriteDomainError(ctx, w, err)
				return
			}
			queued = append(queued, task)
		}
		writeJSON(w, r, http.StatusAccepted, map[string]interface{}{
			"data": queued,
			"meta": map[string]int{"count": len(queued)},
		})
		return
	}

	report := h.service.Upload(ctx, tenant, files)
	status := http.StatusOK
	if report.Succeeded == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, r, status, map[string]interface{}{"data": report})
}

// Web queues a page for ingestion, or ingests it inline with ?sync=true.
func (h *Handler) Web(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", "url is required", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("sync") == "true" {
		res, err := h.service.IngestWeb(ctx, tenant, req.URL)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]interface{}{"data": res})
		return
	}

	task, err := h.service.QueueWeb(ctx, tenant, req.URL)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]interface{}{"data": task})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	sources, err := h.service.List(ctx, tenant)
	if err != nil {
		middleware.WriteDomainError(ctx, w, err)
		return
	}
	if sources == nil {
		sources = []passage.SourceRecord{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"data": sources,
		"meta": map[string]int{"count": len(sources)},
	})
}

// Delete removes sources selected by repeated source_id params or by kind.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	q := r.URL.Query()
	ids := q["source_id"]
	kind := q.Get("kind")

	var (
		n   int
		err error
	)
	switch {
	case len(ids) > 0 && kind != "":
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", "use either source_id or kind", http.StatusBadRequest)
		return
	case len(ids) > 0:
		n, err = h.service.Delete(ctx, tenant, ids)
	case kind != "":
		k, perr := passage.ParseSourceKind(kind)
		if perr != nil {
			middleware.WriteError(ctx, w, "VALIDATION_ERROR", perr.Error(), http.StatusBadRequest)
			return
		}
		n, err = h.service.DeleteByKind(ctx, tenant, k)
	default:
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", "source_id or kind is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		middleware.WriteDomainError(ctx, w, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"data": map[string]int{"deleted": n}})
}

func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	n, err := h.service.DeleteAll(ctx, tenant)
	if err != nil {
		middleware.WriteDomainError(ctx, w, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"data": map[string]int{"deleted": n}})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrInvalidURL) {
		middleware.WriteError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	middleware.WriteDomainError(r.Context(), w, err)
}
