// Package httpcache serves a CacheService over the HTTP build cache protocol:
// GET, HEAD, PUT and DELETE on /cache/{key}.
package httpcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gostratum/core"
	"github.com/gostratum/core/logx"

	"github.com/gostratum/buildcachex"
)

// Options for creating a server.
type Options struct {
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token string

	// MaxEntrySize caps PUT bodies. Zero means no limit.
	MaxEntrySize int64

	// MetricsHandler, when set, is served on /metrics.
	MetricsHandler http.Handler

	// Health, when set, answers /healthz from its readiness checks instead
	// of checking the cache backend directly.
	Health core.Registry

	Logger logx.Logger
}

type Server struct {
	opts   Options
	cache  *buildcachex.CacheService
	logger logx.Logger

	stats counters
}

func NewServer(cache *buildcachex.CacheService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	return &Server{
		opts:   opts,
		cache:  cache,
		logger: logger,
	}
}

func (s *Server) CreateHandler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	if s.opts.MetricsHandler != nil {
		r.Handle("/metrics", s.opts.MetricsHandler).Methods("GET")
	}

	api := r.PathPrefix("/cache").Subrouter()

	if s.opts.Token != "" {
		api.Use(func(next http.Handler) http.Handler {
			expectedHeader := fmt.Sprintf("Bearer %s", s.opts.Token)

			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != expectedHeader {
					s.logger.Error("[buildcache] authorization error", logx.String("remote", r.RemoteAddr))

					w.Header().Set("WWW-Authenticate", `Bearer realm="buildcache"`)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	api.HandleFunc("/{key:.+}", s.uploadHandler).Methods("PUT")
	api.HandleFunc("/{key:.+}", s.existsHandler).Methods("HEAD")
	api.HandleFunc("/{key:.+}", s.downloadHandler).Methods("GET")
	api.HandleFunc("/{key:.+}", s.deleteHandler).Methods("DELETE")

	return r
}

type statusResponse struct {
	Status      string                  `json:"status"`
	Description buildcachex.Description `json:"description"`
	Stats       Stats                   `json:"stats"`
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	desc := s.cache.Describe()
	status := "enabled"
	if !desc.Enabled {
		status = "disabled"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	jsonBody(w, statusResponse{
		Status:      status,
		Description: desc,
		Stats:       s.GetStatistics(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		res := s.opts.Health.Aggregate(r.Context(), core.Readiness)
		if !res.OK {
			s.logger.Warn("Readiness check failed", logx.Any("checks", res.Details))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := buildcachex.CheckHealth(r.Context(), s.cache.Storage()); err != nil {
		s.logError(err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	key := getKey(w, r)
	if key == "" {
		return
	}

	if !s.cache.Describe().Push {
		http.Error(w, "push disabled", http.StatusForbidden)
		return
	}

	limit := s.opts.MaxEntrySize
	if limit > 0 && r.ContentLength > limit {
		http.Error(w, "entry too large", http.StatusRequestEntityTooLarge)
		return
	}

	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "entry too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unable to read body", http.StatusBadRequest)
		s.logError(err)
		return
	}

	stored, err := s.cache.TryStore(r.Context(), key, buildcachex.BytesEntry(buf.Bytes()))
	if err != nil {
		http.Error(w, "unable to upload", http.StatusInternalServerError)
		s.logError(err)
		return
	}

	if !stored {
		s.stats.uploadsSkipped.Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.stats.uploads.Inc()
	s.stats.uploadedBytes.Add(int64(buf.Len()))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) existsHandler(w http.ResponseWriter, r *http.Request) {
	key := getKey(w, r)
	if key == "" {
		return
	}

	if s.cache.Contains(r.Context(), key) {
		s.stats.existsYes.Inc()
		w.WriteHeader(http.StatusOK)
	} else {
		s.stats.existsNo.Inc()
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	key := getKey(w, r)
	if key == "" {
		return
	}

	var written int64
	found, err := s.cache.Load(r.Context(), key, buildcachex.ReaderFunc(func(entry io.Reader) error {
		w.Header().Set("Content-Type", "application/octet-stream")
		n, err := io.Copy(w, entry)
		written = n
		return err
	}))
	if err != nil {
		// Headers may already be on the wire; all we can do is record it.
		s.logError(err)
		return
	}

	if !found {
		s.stats.downloadNotFound.Inc()
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	s.stats.downloads.Inc()
	s.stats.downloadedBytes.Add(written)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	key := getKey(w, r)
	if key == "" {
		return
	}

	if !s.cache.Describe().Push {
		http.Error(w, "push disabled", http.StatusForbidden)
		return
	}

	if !s.cache.Delete(r.Context(), key) {
		http.Error(w, "key not deleted", http.StatusNotFound)
		return
	}

	s.stats.deletes.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logError(err error) {
	s.stats.errors.Inc()
	s.logger.Error("[buildcache] request failed", logx.Err(err))
}

func (s *Server) GetStatistics() Stats {
	return s.stats.snapshot()
}

func (s *Server) ResetStatistics() {
	s.stats.reset()
}

// LogStatistics writes the current statistics at info level.
func (s *Server) LogStatistics() {
	s.logger.Info("[buildcache] server stats", s.GetStatistics().Fields()...)
}

func jsonBody(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func getKey(w http.ResponseWriter, r *http.Request) string {
	key := mux.Vars(r)["key"]

	// Sanity check
	if key == "" {
		http.Error(w, "bad key", http.StatusBadRequest)
		return ""
	}
	return key
}
