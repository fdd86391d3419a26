package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/imcore/internal/config"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

// MetricsServer exposes Prometheus metrics and a health probe over HTTP. It
// is a no-op when no metrics address is configured.
type MetricsServer struct {
	addr   string
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// connectionState is satisfied by the stream channel.
type connectionState interface {
	Status() status.State
}

// NewMetricsServer builds the HTTP server. The listener is opened in Start.
func NewMetricsServer(cfg *config.Config, rec *metrics.Recorder, ch *transport.Channel, logger *zap.Logger) *MetricsServer {
	m := &MetricsServer{addr: cfg.MetricsAddr, logger: logger.Named("metrics")}
	if m.addr == "" {
		return m
	}
	m.srv = &http.Server{
		Handler:           newMetricsRouter(rec, ch),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m
}

func newMetricsRouter(rec *metrics.Recorder, conn connectionState) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", rec.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(string(conn.Status()) + "\n"))
	})
	return r
}

// Addr returns the bound address once started, or the configured one.
func (m *MetricsServer) Addr() string {
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.addr
}

// Start binds the listener and serves in the background. Bind failures are
// logged; metrics are not worth failing the daemon over.
func (m *MetricsServer) Start() {
	if m.srv == nil {
		return
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		m.logger.Warn("metrics listener failed", zap.String("addr", m.addr), zap.Error(err))
		m.srv = nil
		return
	}
	m.ln = ln
	m.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if m.srv == nil || m.ln == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
