// Package api serves the collection, vector and index build endpoints over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jiggy-ai/jiggy-ann-api/blobstore"
	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/orchestrator"
)

// Server represents the REST API server
type Server struct {
	lg         zerolog.Logger
	store      core.VectorStore
	builds     *orchestrator.Orchestrator
	signer     blobstore.URLSigner
	router     *mux.Router
	httpServer *http.Server
	config     ServerConfig
	limiter    *rate.Limiter
	started    time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// SubmitRate is the sustained number of index submissions per second
	// across all clients. Zero disables throttling.
	SubmitRate  float64 `yaml:"submit_rate" json:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst" json:"submit_burst"`
	// URLTTL is the lifetime of presigned artifact URLs
	URLTTL time.Duration `yaml:"url_ttl" json:"url_ttl"`
	// MaxBodyBytes bounds request bodies, mostly vector uploads
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		SubmitRate:      2,
		SubmitBurst:     10,
		URLTTL:          24 * time.Hour,
		MaxBodyBytes:    256 << 20,
	}
}

// Validate checks the listen address and limits
func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Port)
	}
	if c.SubmitRate < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("submit rate and burst must not be negative")
	}
	if c.URLTTL <= 0 {
		return fmt.Errorf("url_ttl must be positive")
	}
	return nil
}

// NewServer creates a new API server. signer may be nil, in which case
// index listings carry no download URL.
func NewServer(lg zerolog.Logger, store core.VectorStore, builds *orchestrator.Orchestrator, signer blobstore.URLSigner, config ServerConfig) *Server {
	s := &Server{
		lg:      lg.With().Str("component", "api").Logger(),
		store:   store,
		builds:  builds,
		signer:  signer,
		config:  config,
		started: time.Now(),
	}
	if config.SubmitRate > 0 {
		burst := config.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.SubmitRate), burst)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonContentTypeMiddleware)
	s.router.Use(s.bodyLimitMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Collections
	s.router.HandleFunc("/collections", s.handleListCollections).Methods("GET")
	s.router.HandleFunc("/collections", s.handleCreateCollection).Methods("POST")
	s.router.HandleFunc("/collections/{collection}", s.handleGetCollection).Methods("GET")
	s.router.HandleFunc("/collections/{collection}", s.handleDeleteCollection).Methods("DELETE")

	// Vectors
	s.router.HandleFunc("/collections/{collection}/vectors", s.handleAddVectorsBatch).Methods("POST")
	s.router.HandleFunc("/collections/{collection}/vectors/{id}", s.handleAddVector).Methods("POST")

	// Index builds
	s.router.Handle("/collections/{collection}/index", s.throttle(http.HandlerFunc(s.handleCreateIndex))).Methods("POST")
	s.router.HandleFunc("/collections/{collection}/index", s.handleListIndexes).Methods("GET")
	s.router.HandleFunc("/collections/{collection}/index/{index}", s.handleGetIndex).Methods("GET")
	s.router.HandleFunc("/collections/{collection}/index/{index}/tests", s.handleIndexTests).Methods("GET")

	s.setupDocs()
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.lg.Info().Str("addr", addr).Msg("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware functions
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := s.lg.Info()
		if rec.status >= http.StatusInternalServerError {
			ev = s.lg.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// throttle rejects requests beyond the submit rate with 429
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/s.config.SubmitRate))))
			s.respondWithError(w, http.StatusTooManyRequests, "too many index requests, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrQueueFull), errors.Is(err, core.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondWithErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.lg.Error().Err(err).Msg("request failed")
	}
	s.respondWithError(w, code, err.Error())
}

// Error response helper
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

// JSON response helper
func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Error marshaling JSON"}`))
		return
	}

	w.WriteHeader(code)
	w.Write(response)
}
