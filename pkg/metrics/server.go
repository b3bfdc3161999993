package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the metrics endpoint of the housekeeping daemon.
type ServerConfig struct {
	// Port to listen on; 0 picks a free port
	Port int

	// StopTimeout bounds the graceful stop when Start's context ends
	// (default: 5s)
	StopTimeout time.Duration
}

// Server serves /metrics from the process registry and /healthz.
type Server struct {
	config ServerConfig
	http   *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
}

// NewServer creates a metrics server. Nothing listens until Start.
func NewServer(config ServerConfig) *Server {
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	return &Server{
		config: config,
		http: &http.Server{
			Handler:           newMux(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	if reg := GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog: promLogger{},
		}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics are disabled", http.StatusServiceUnavailable)
		})
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	return mux
}

// promLogger routes promhttp errors to the process logger.
type promLogger struct{}

func (promLogger) Println(v ...any) { logger.Error("Metrics: %s", fmt.Sprint(v...)) }

// Start binds the port and serves until ctx ends or serving fails. A port
// that cannot be bound is reported straight away.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("Metrics available at http://%s/metrics", ln.Addr())

	served := make(chan error, 1)
	go func() { served <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop ends serving. Only the first call does anything.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if err = s.http.Shutdown(ctx); err != nil {
			err = fmt.Errorf("metrics server stop: %w", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return err
}
