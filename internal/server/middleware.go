package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/docsort/internal/metrics"
)

// statusRecorder remembers the status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// handle registers h under pattern with CORS headers and request metrics.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, s.withCORS(instrument(h)))
}

// withCORS sets the CORS headers and answers preflight requests itself.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// instrument records method, route pattern, status and latency. The
// pattern keeps document ids out of the label set.
func instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(sr, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequest(r.Method, route, sr.status, time.Since(start))
	}
}

// limitUploads rejects uploads over the per-client budget with 429 and
// Retry-After.
func (s *Server) limitUploads(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.limiter.Allow(clientAddr(r), max(r.ContentLength, 0))
		if err == nil {
			next(w, r)
			return
		}
		var limitErr *RateLimitError
		if !errors.As(err, &limitErr) {
			writeErrorResponse(w, http.StatusInternalServerError, "Rate limiting check failed")
			return
		}
		metrics.RateLimited(limitErr.Type)
		w.Header().Set("X-RateLimit-Type", limitErr.Type)
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limitErr.Limit, 10))
		w.Header().Set("Retry-After", strconv.Itoa(int(limitErr.RetryAfter.Round(time.Second).Seconds())))
		writeErrorResponse(w, http.StatusTooManyRequests, limitErr.Error())
	}
}

// clientAddr identifies the uploader: the first X-Forwarded-For hop, then
// X-Real-IP, then the peer address.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
