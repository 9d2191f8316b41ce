package report

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusFunc returns a JSON-serialisable view of the daemon state
type StatusFunc func() any

// Server serves /metrics, /status and /healthz
type Server struct {
	addr     string
	registry *prometheus.Registry
	status   StatusFunc
	failures *FailureLog
	logger   *zap.Logger
	guard    *TokenGuard
	srv      *http.Server
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithTokenGuard requires a bearer token on every route except /healthz
func WithTokenGuard(g *TokenGuard) ServerOption {
	return func(s *Server) { s.guard = g }
}

// NewServer registers the exporter on a private registry and builds the router.
func NewServer(addr string, exporter *Exporter, status StatusFunc, failures *FailureLog, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	reg, err := NewRegistry(exporter)
	if err != nil {
		return nil, err
	}

	s := &Server{
		addr:     addr,
		registry: reg,
		status:   status,
		failures: failures,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Router returns the HTTP routes. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/failures", s.handleFailures).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if s.guard != nil {
		r.Use(s.guard.Middleware())
	}
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var body any = map[string]string{}
	if s.status != nil {
		body = s.status()
	}
	writeJSON(w, body)
}

func (s *Server) handleFailures(w http.ResponseWriter, _ *http.Request) {
	recent := []CycleResult{}
	if s.failures != nil {
		recent = s.failures.Recent(50)
	}
	writeJSON(w, recent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Start listens in the background until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	return nil
}
