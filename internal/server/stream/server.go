package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/a-marczewski/ppewatch/internal/app"
	"github.com/a-marczewski/ppewatch/internal/config"
	"github.com/a-marczewski/ppewatch/internal/detector"
	"github.com/a-marczewski/ppewatch/internal/doctor"
	"github.com/a-marczewski/ppewatch/internal/objectstore"
	"github.com/a-marczewski/ppewatch/internal/pipeline"
	"github.com/a-marczewski/ppewatch/internal/storage"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
	healthTimeout     = 2 * time.Second
)

// Server exposes the frame stream, video upload and status endpoints.
type Server struct {
	app      *app.App
	config   *config.Config
	logger   *zap.Logger
	pipeline *pipeline.Manager
	videos   *objectstore.VideoUploader
	db       *storage.DB

	server *http.Server
}

// NewServer creates a server over a with a started pipeline.
func NewServer(a *app.App) *Server {
	return &Server{
		app:      a,
		config:   a.Core.Config,
		logger:   a.Core.Logger,
		pipeline: a.Pipeline,
		videos:   a.Storage.Videos,
		db:       a.Core.DB,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/ppe/{client_id}", s.handleStream)
	mux.HandleFunc("POST /api/videos", s.handleUpload)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /doctor", s.handleDoctor)
	return mux
}

// Start listens on the configured address and blocks until Stop.
func (s *Server) Start() error {
	// No read or write timeout: websocket connections are long lived.
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.logger.Info("Listening", zap.String("addr", s.config.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting connections and waits for handlers until ctx ends.
// Hijacked websocket connections end when the pipeline shuts down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	Database string `json:"database"`
	Detector string `json:"detector"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Time:     time.Now().Format(time.RFC3339),
		Database: "ok",
		Detector: "ok",
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
	}
	if proc := s.app.Detection.Subprocess; proc != nil && !proc.Alive() {
		resp.Status = "degraded"
		resp.Detector = "exited"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statsResponse struct {
	Pipeline pipeline.Stats      `json:"pipeline"`
	Detector *detector.ConnStats `json:"detector,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Pipeline: s.pipeline.Stats()}
	if proc := s.app.Detection.Subprocess; proc != nil {
		stats := proc.Stats()
		resp.Detector = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDoctor runs the read-only diagnostics.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	runner := doctor.NewRunner(s.config, s.db, s.app.Storage.Objects)
	writeJSON(w, http.StatusOK, runner.RunAll(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
