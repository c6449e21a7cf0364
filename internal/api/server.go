package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/FairForge/recording-relay/internal/pipeline"
	"github.com/FairForge/recording-relay/internal/trigger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is stamped at build time.
var Version = "dev"

// Server exposes health, metrics and a manual run endpoint for operators.
type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	job        trigger.Job
	ready      ReadinessCheck
	metrics    http.Handler

	lastRun   atomic.Pointer[pipeline.RunReport]
	startTime time.Time
}

// ReadinessCheck returns an error while the relay cannot do useful work.
type ReadinessCheck func(ctx context.Context) error

// NewServer wires the ops routes. ready and metrics may be nil.
func NewServer(port int, job trigger.Job, ready ReadinessCheck, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:    logger,
		router:    mux.NewRouter(),
		job:       job,
		ready:     ready,
		metrics:   metrics,
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // manual runs block until done
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
	s.router.HandleFunc("/runs", s.handleRun).Methods("POST")
	s.router.HandleFunc("/runs/last", s.handleLastRun).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"ready": false,
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	})
}

// handleRun performs a run synchronously. 409 means another run holds the lease.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.job.Run(r.Context())
	if report != nil {
		s.lastRun.Store(report)
	}

	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil && report == nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	report := s.lastRun.Load()
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no manual run yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
