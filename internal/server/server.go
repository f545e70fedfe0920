// Package server wires the verifier's HTTP boundary: the challenge and
// verify endpoints plus health and metrics.
package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/keyproof/keyproof-core/pkg/challenge"
	"github.com/keyproof/keyproof-core/pkg/verify"
)

// Server dispatches the two boundary operations to the issuer and the
// pipeline and renders outcomes to status codes and JSON.
type Server struct {
	issuer   *challenge.Issuer
	pipeline *verify.Pipeline
	logger   *zap.Logger
}

// New creates a Server. A nil logger disables request logging.
func New(issuer *challenge.Issuer, pipeline *verify.Pipeline, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		issuer:   issuer,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Post("/challenge", s.handleChallenge)
	r.Post("/verify", s.handleVerify)
	r.Get("/healthz", s.handleHealth)
	r.Method("GET", "/metrics", promhttp.Handler())

	return r
}
