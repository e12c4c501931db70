package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/metrics"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/search"
)

// SourceUpload marks captures received over HTTP.
const SourceUpload = "upload"

const (
	defaultTopK = 10
	maxTopK     = 100
)

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Time:   time.Now().Format(time.RFC3339),
	})
}

// uploadHandler ingests a multipart upload with the capture in field "image".
// The document is created even when a stage fails; the reply then carries
// the Failed checkpoint and the error.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.maxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeErrorResponse(w, http.StatusBadRequest, "Failed to parse form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Failed to read image file")
		return
	}
	metrics.Upload(int64(len(data)))

	capture, err := imageio.NewCapture(data, header.Filename, SourceUpload, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Document uploaded", "id", capture.ID, "filename", capture.Filename, "size", len(data))
	cp, err := s.pipeline.Ingest(r.Context(), capture)
	if cp == nil {
		writeError(w, err)
		return
	}
	resp := DocumentResponse{Document: NewDocumentView(cp)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// listHandler lists documents, optionally filtered by ?state=.
func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	var want *document.State
	if name := r.URL.Query().Get("state"); name != "" {
		st, err := document.ParseState(name)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		want = &st
	}

	cps, err := s.pipeline.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := DocumentListResponse{Documents: make([]DocumentView, 0, len(cps))}
	for _, cp := range cps {
		if want != nil && cp.State != *want {
			continue
		}
		resp.Documents = append(resp.Documents, NewDocumentView(cp))
	}
	resp.Total = len(resp.Documents)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	cp, err := s.pipeline.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentResponse{Document: NewDocumentView(cp)})
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// retryHandler resumes a failed document after its last completed stage.
func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	cp, err := s.pipeline.Retry(r.Context(), r.PathValue("id"))
	s.writeCheckpoint(w, cp, err)
}

// correctHandler applies a user classification: {"category": "...", "company": "..."}.
func (s *Server) correctHandler(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Correction
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Category) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "category is required")
		return
	}
	cp, err := s.pipeline.Correct(r.Context(), r.PathValue("id"), req)
	s.writeCheckpoint(w, cp, err)
}

// CornersRequest carries four user supplied corners in any order.
type CornersRequest struct {
	Points []document.Point `json:"points"`
}

// recropHandler replaces the detected corners and reruns the pipeline.
func (s *Server) recropHandler(w http.ResponseWriter, r *http.Request) {
	var req CornersRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Points) != 4 {
		writeErrorResponse(w, http.StatusBadRequest, "exactly four points are required")
		return
	}
	cp, err := s.pipeline.Recrop(r.Context(), r.PathValue("id"), [4]document.Point(req.Points))
	s.writeCheckpoint(w, cp, err)
}

// writeCheckpoint replies with cp; a stage failure still returns the
// Failed document with 200 so the caller sees where it stopped.
func (s *Server) writeCheckpoint(w http.ResponseWriter, cp *document.Checkpoint, err error) {
	var stageErr *orchestrator.StageError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, DocumentResponse{Document: NewDocumentView(cp)})
	case cp != nil && errors.As(err, &stageErr):
		writeJSON(w, http.StatusOK, DocumentResponse{Document: NewDocumentView(cp), Error: err.Error()})
	default:
		writeError(w, err)
	}
}

// searchHandler ranks documents: GET /search?q=...&k=10.
func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	topK := defaultTopK
	if k := r.URL.Query().Get("k"); k != "" {
		v, err := strconv.Atoi(k)
		if err != nil {
			metrics.Search("invalid")
			writeErrorResponse(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		topK = min(v, maxTopK)
	}

	seq, err := s.search.Search(r.Context(), q, topK)
	if err != nil {
		var invalid *document.InvalidQueryError
		if errors.As(err, &invalid) {
			metrics.Search("invalid")
		} else {
			metrics.Search("error")
		}
		writeError(w, err)
		return
	}
	metrics.Search("ok")
	writeJSON(w, http.StatusOK, SearchResponse{Query: q, TopK: topK, Hits: search.Collect(seq)})
}

// categoriesHandler lists categories with labels in ?lang= (default from config).
func (s *Server) categoriesHandler(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = s.language
	}
	resp := CategoriesResponse{Language: lang}
	for _, name := range s.pipeline.Categories() {
		label, err := s.translator.Translate(r.Context(), name, lang)
		if err != nil {
			slog.Warn("Translation failed", "label", name, "lang", lang, "error", err)
			label = name
		}
		resp.Categories = append(resp.Categories, Category{Name: name, Label: label})
	}
	writeJSON(w, http.StatusOK, resp)
}

// addCategoryHandler adds a category: {"name": "..."}. A new category is
// answered with 201, one that already exists with 200.
func (s *Server) addCategoryHandler(w http.ResponseWriter, r *http.Request) {
	var req AddCategoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	name, added, err := s.pipeline.AddCategory(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	label, err := s.translator.Translate(r.Context(), name, s.language)
	if err != nil {
		label = name
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, Category{Name: name, Label: label})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownCategory), errors.Is(err, classify.ErrInvalidCategory):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotClassified):
		return http.StatusConflict
	}
	switch document.ErrorKind(err) {
	case document.KindInvalidQuery:
		return http.StatusBadRequest
	case document.KindInvalidImage, document.KindGeometry:
		return http.StatusUnprocessableEntity
	case document.KindIndexConsistency:
		return http.StatusConflict
	case document.KindOcrUnavailable, document.KindStorage:
		return http.StatusServiceUnavailable
	case document.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with the status statusFor picks.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "status", status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := ErrorResponse{Success: false, Error: err.Error()}
	if kind := document.ErrorKind(err); kind != document.KindInternal {
		resp.Kind = kind
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Error("Failed to encode error response", "error", encErr)
	}
}

// writeErrorResponse writes an error response in JSON format.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Success: false, Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
