package server

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/search"
	"github.com/MeKo-Tech/docsort/internal/translate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline is the part of the orchestrator the HTTP API drives.
type Pipeline interface {
	Ingest(ctx context.Context, c document.RawCapture) (*document.Checkpoint, error)
	Retry(ctx context.Context, id string) (*document.Checkpoint, error)
	Correct(ctx context.Context, id string, c orchestrator.Correction) (*document.Checkpoint, error)
	Recrop(ctx context.Context, id string, points [4]document.Point) (*document.Checkpoint, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*document.Checkpoint, error)
	List(ctx context.Context) ([]*document.Checkpoint, error)
	Categories() []string
	AddCategory(name string) (string, bool, error)
}

// Searcher ranks indexed documents against a query.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) (iter.Seq[search.Hit], error)
}

// Subscriber hands out orchestrator event streams.
type Subscriber interface {
	Subscribe() (<-chan orchestrator.Event, func())
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	Language    string // default label language for /categories
	RateLimit   RateLimitConfig
}

// RateLimitConfig holds upload rate limiting configuration.
type RateLimitConfig struct {
	Enabled          bool
	UploadsPerMinute int
	UploadsPerDay    int
	MaxBytesPerDay   int64
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Pipeline   Pipeline
	Search     Searcher
	Translator translate.Translator
	Events     Subscriber
}

// Server handles HTTP requests for the document API.
type Server struct {
	pipeline   Pipeline
	search     Searcher
	translator translate.Translator
	events     Subscriber

	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
	language    string
	limiter     *UploadLimiter
}

// DocumentView is the JSON form of a checkpoint. Image payloads are left out.
type DocumentView struct {
	ID             string                         `json:"id"`
	State          string                         `json:"state"`
	LastStage      string                         `json:"last_stage"`
	Failure        *document.Failure              `json:"failure,omitempty"`
	Filename       string                         `json:"filename"`
	Source         string                         `json:"source,omitempty"`
	CapturedAt     time.Time                      `json:"captured_at"`
	Corners        *document.Corners              `json:"corners,omitempty"`
	Text           string                         `json:"text,omitempty"`
	OcrConfidence  *float64                       `json:"ocr_confidence,omitempty"`
	Classification *document.ClassificationResult `json:"classification,omitempty"`
	Locator        string                         `json:"locator,omitempty"`
	ReviewFlags    []document.ReviewFlag          `json:"review_flags,omitempty"`
	Attempts       int                            `json:"attempts"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// NewDocumentView converts cp.
func NewDocumentView(cp *document.Checkpoint) DocumentView {
	v := DocumentView{
		ID:             cp.ID,
		State:          cp.State.String(),
		LastStage:      cp.Last.String(),
		Failure:        cp.Failure,
		Filename:       cp.Capture.Filename,
		Source:         cp.Capture.Source,
		CapturedAt:     cp.Capture.CapturedAt,
		Corners:        cp.Corners,
		Classification: cp.Classification,
		ReviewFlags:    cp.ReviewFlags,
		Attempts:       cp.Attempts,
		UpdatedAt:      cp.UpdatedAt,
	}
	if cp.OCR != nil {
		v.Text = cp.OCR.Text
		conf := cp.OCR.Confidence
		v.OcrConfidence = &conf
	}
	if cp.Record != nil {
		v.Locator = cp.Record.Locator
	}
	return v
}

// DocumentResponse wraps a document after a state change.
type DocumentResponse struct {
	Document DocumentView `json:"document"`
	Error    string       `json:"error,omitempty"`
}

// DocumentListResponse lists documents.
type DocumentListResponse struct {
	Documents []DocumentView `json:"documents"`
	Total     int            `json:"total"`
}

// SearchResponse holds ranked hits.
type SearchResponse struct {
	Query string       `json:"query"`
	TopK  int          `json:"top_k"`
	Hits  []search.Hit `json:"hits"`
}

// Category is a category label with its display name.
type Category struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// AddCategoryRequest names a category to add.
type AddCategoryRequest struct {
	Name string `json:"name"`
}

// CategoriesResponse lists categories.
type CategoriesResponse struct {
	Language   string     `json:"language"`
	Categories []Category `json:"categories"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

// NewServer creates a new server instance.
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if deps.Search == nil {
		return nil, errors.New("server: search is required")
	}
	if deps.Translator == nil {
		deps.Translator = translate.Default()
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 50
	}
	if config.CORSOrigin == "" {
		config.CORSOrigin = "*"
	}
	if config.Language == "" {
		config.Language = "en"
	}
	s := &Server{
		pipeline:    deps.Pipeline,
		search:      deps.Search,
		translator:  deps.Translator,
		events:      deps.Events,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		timeoutSec:  config.TimeoutSec,
		language:    config.Language,
	}
	if config.RateLimit.Enabled {
		s.limiter = NewUploadLimiter(config.RateLimit.UploadsPerMinute, config.RateLimit.UploadsPerDay,
			config.RateLimit.MaxBytesPerDay)
	}
	return s, nil
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	s.handle(mux, "GET /health", s.healthHandler)
	s.handle(mux, "POST /documents", s.limitUploads(s.uploadHandler))
	s.handle(mux, "GET /documents", s.listHandler)
	s.handle(mux, "GET /documents/{id}", s.getHandler)
	s.handle(mux, "DELETE /documents/{id}", s.deleteHandler)
	s.handle(mux, "POST /documents/{id}/retry", s.retryHandler)
	s.handle(mux, "PUT /documents/{id}/classification", s.correctHandler)
	s.handle(mux, "PUT /documents/{id}/corners", s.recropHandler)
	s.handle(mux, "GET /search", s.searchHandler)
	s.handle(mux, "GET /categories", s.categoriesHandler)
	s.handle(mux, "POST /categories", s.addCategoryHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.events != nil {
		mux.HandleFunc("GET /events", s.eventsHandler)
	}
	// Preflight requests for every route
	mux.HandleFunc("OPTIONS /", s.withCORS(func(http.ResponseWriter, *http.Request) {}))
}

// Handler returns a mux with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}
