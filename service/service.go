// Package service hosts the long-running HTTP surfaces: liveness, metrics
// and the status API.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/stacklab/arch-acceptor/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"

	APIHost = "0.0.0.0"
	APIPort = "8081"
)

// Service bundles the background HTTP servers.
type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer
	API     *APIServer

	log *slog.Logger
}

// New assembles the service. api may be nil when the status API is not
// wanted.
func New(log *slog.Logger, api *APIServer) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
		API:     api,
		log:     log,
	}
}

// Start launches the servers in the background.
func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	go func() {
		addr := net.JoinHostPort(HealthzHost, HealthzPort)
		s.log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("healthz_server", err)
		}
	}()

	go func() {
		addr := net.JoinHostPort(MetricsHost, MetricsPort)
		s.log.Info("starting metrics server", "addr", addr)
		if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("metrics_server", err)
		}
	}()

	if s.API != nil {
		go func() {
			addr := net.JoinHostPort(APIHost, APIPort)
			s.log.Info("starting status api server", "addr", addr)
			if err := s.API.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting status api server", "err", err)
				metrics.RecordErrorDetails("api_server", err)
			}
		}()
	}

	s.log.Info("service started")
}

// Shutdown stops the servers.
func (s *Service) Shutdown() {
	s.log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	s.log.Info("metrics stopped")

	if s.API != nil {
		_ = s.API.Shutdown()
		s.log.Info("status api stopped")
	}

	s.log.Info("service stopped")
}
