// Package server assembles the HTTP mux and middleware chain around the API
// handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"streamcast/internal/api"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/serverutil"
)

// Config controls the assembled server.
type Config struct {
	Addr            string
	APIToken        string
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	ShutdownTimeout time.Duration
}

// Server is the assembled HTTP front end.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New wires the handlers, auth, request logging, and metrics middleware into
// one http.Server.
func New(handler *api.Handler, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auth := api.NewTokenAuthenticator(cfg.APIToken)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/videos", handler.Videos)
	apiMux.HandleFunc("/api/videos/", handler.VideoByID)
	apiMux.HandleFunc("/api/playlists", handler.Playlists)
	apiMux.HandleFunc("/api/playlists/", handler.PlaylistByID)
	apiMux.HandleFunc("/api/jobs", handler.ExternalJobs)
	apiMux.HandleFunc("/api/jobs/", handler.ExternalJobByID)
	apiMux.HandleFunc("/api/streams/active", handler.ActiveStreams)
	apiMux.HandleFunc("/api/streams/live", handler.InstantLive)
	mux.Handle("/api/", auth.Middleware(apiMux))

	chain := logging.RequestLogger(logging.WithComponent(logger, "http"))(mux)
	chain = metrics.HTTPMiddleware(cfg.Metrics, chain)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           chain,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
	})
}
