// Package agent serves benchmark runs over HTTP so a controller can drive
// several hosts at once.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/metrics"
)

type Server struct {
	path    string // Overrides Params.Path when set
	logger  pslog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	busy    sync.Mutex
	mux     *http.ServeMux
}

// NewServer builds an agent. When path is set, every run targets it no matter
// what the controller asked for.
func NewServer(path string, logger pslog.Logger) (*Server, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		path:    path,
		logger:  logger,
		reg:     reg,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/run", s.handleRun)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

// VerifyAccess opens the configured target and resolves its geometry, so a
// bad path fails at startup rather than on the first run.
func (s *Server) VerifyAccess() error {
	if s.path == "" {
		return nil
	}
	dev, err := device.Open(s.path, device.Options{PayloadBytes: device.LargeBlockBytes})
	if err != nil {
		return err
	}
	desc := dev.Descriptor()
	s.logger.Info("agent.target", "path", s.path, "bytes", desc.TotalBytes, "min_op_bytes", desc.MinOpBytes)
	return dev.Close()
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("agent.listen", "addr", addr, "path", s.path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params engine.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, fmt.Sprintf("Invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if s.path != "" {
		params.Path = s.path
	}

	// The reservation table and the device belong to one run at a time.
	if !s.busy.TryLock() {
		http.Error(w, "A run is already in progress", http.StatusConflict)
		return
	}
	defer s.busy.Unlock()

	eng := engine.New(engine.WithLogger(s.logger), engine.WithMetrics(s.metrics))
	res, err := eng.Run(r.Context(), params)
	if err != nil {
		s.logger.Warn("agent.run.failed", "path", params.Path, "error", err)
		http.Error(w, fmt.Sprintf("Engine execution failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Warn("agent.encode.failed", "error", err)
	}
}
