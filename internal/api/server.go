// Package api serves the pipeline monitoring surface: service status
// counters, collection summaries, metric charts and the butler registry
// debug routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/butler"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/services"
	"github.com/huntsman-array/huntsman-drp/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Service is the slice of a pipeline daemon the status endpoints report
// on. *services.ProcessQueue implements it.
type Service interface {
	Name() string
	Status() services.Status
}

// DocFinder is the collection read surface the endpoints query. The
// mongodb collection wrappers implement it.
type DocFinder interface {
	Name() string
	Find(ctx context.Context, match document.Document, opts *mongodb.FindOptions) ([]document.Document, error)
}

// Server exposes the monitoring endpoints over the document store and
// the running services.
type Server struct {
	cfg       *config.Config
	services  []Service
	exposures DocFinder
	calibs    DocFinder
	repo      *butler.Repository
	logger    *zap.SugaredLogger
}

// NewServer builds the monitoring server. repo may be nil, which
// disables the butler debug routes.
func NewServer(cfg *config.Config, svcs []Service, exposures, calibs DocFinder, repo *butler.Repository, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:       cfg,
		services:  svcs,
		exposures: exposures,
		calibs:    calibs,
		repo:      repo,
		logger:    logging.OrDefault(logger),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		s.logger.Infof(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/collections", s.showCollections)
	mux.HandleFunc("/api/calibs", s.listCalibs)
	mux.HandleFunc("/charts/metrics", s.metricsChart)
	if s.repo != nil {
		s.repo.AttachAdminRoutes(mux)
	}
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	statuses := make([]services.Status, 0, len(s.services))
	for _, svc := range s.services {
		statuses = append(statuses, svc.Status())
	}
	httputil.WriteJSON(w, http.StatusOK, statuses)
}

func (s *Server) showCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	counts := make(map[string]int)
	for _, coll := range []DocFinder{s.exposures, s.calibs} {
		docs, err := coll.Find(r.Context(), nil, nil)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to query %s: %v", coll.Name(), err))
			return
		}
		counts[coll.Name()] = len(docs)
	}
	httputil.WriteJSON(w, http.StatusOK, counts)
}

// listCalibs returns master calib documents, optionally narrowed by
// ccd, filter or dataset type.
func (s *Server) listCalibs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	match := document.Document{}
	if v := r.URL.Query().Get("ccd"); v != "" {
		ccd, err := strconv.Atoi(v)
		if err != nil || ccd < 1 {
			httputil.BadRequest(w, "invalid 'ccd' parameter")
			return
		}
		match[document.KeyCCD] = ccd
	}
	if v := r.URL.Query().Get("filter"); v != "" {
		match[document.KeyFilter] = v
	}
	if v := r.URL.Query().Get("type"); v != "" {
		match[document.KeyDatasetType] = v
	}

	docs, err := s.calibs.Find(r.Context(), match, nil)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query calibs: %v", err))
		return
	}
	if docs == nil {
		docs = []document.Document{}
	}
	httputil.WriteJSON(w, http.StatusOK, docs)
}
