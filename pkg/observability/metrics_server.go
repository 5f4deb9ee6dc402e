package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves Prometheus metrics, and whatever other handlers the
// caller registers (pkg/admin's topology endpoint), on pgpooler's admin
// listen address.
type MetricsServer struct {
	server *http.Server
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewMetricsServer creates a MetricsServer bound to addr with /metrics
// already registered. Returns nil if addr is empty (admin surface disabled).
func NewMetricsServer(addr string, logger *slog.Logger) *MetricsServer {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		mux:    mux,
		logger: logger,
	}
}

// Handle registers an additional handler on the admin mux, e.g. pkg/admin's
// topology renderer at "/topology". No-op on a nil (disabled) server.
func (s *MetricsServer) Handle(pattern string, handler http.Handler) {
	if s == nil {
		return
	}
	s.mux.Handle(pattern, handler)
}

// Start starts the metrics server in a goroutine. Returns immediately; use
// Shutdown to stop it.
func (s *MetricsServer) Start() error {
	if s == nil {
		return nil
	}

	go func() {
		s.logger.Info("starting admin/metrics server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin/metrics server error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
func (s *MetricsServer) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Enabled returns true if the metrics server is configured.
func (s *MetricsServer) Enabled() bool {
	return s != nil && s.server != nil
}

// String returns a string representation for logging.
func (s *MetricsServer) String() string {
	if s == nil {
		return "MetricsServer(disabled)"
	}
	return fmt.Sprintf("MetricsServer(addr=%s)", s.server.Addr)
}
