// Package opsrv provides the operational surface a deployed client
// process exposes to its orchestrator: an HTTP /health, /ready, and
// /metrics server, plus a gRPC liveness endpoint using the standard
// grpc/health service so a gRPC-native orchestrator (e.g. a k8s grpc
// probe) can check the same thing without speaking HTTP. The gRPC side
// deliberately uses only the pre-compiled grpc_health_v1 service:
// defining a bespoke RPC surface would require running protoc, which
// this module does not do.
package opsrv

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/fedimint-client/pkg/clientctx"
	"github.com/cuemby/fedimint-client/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthResponse is the /health liveness payload: the process is alive
// if it can answer this at all.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready payload: whether the client's database
// and executor are actually usable, not just whether the process is up.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// Server hosts the HTTP health/ready/metrics endpoints and the gRPC
// health service that front a single clientctx.Client.
type Server struct {
	client     *clientctx.Client
	mux        *http.ServeMux
	grpcServer *grpc.Server
	grpcHealth *health.Server
}

// New returns a Server fronting client. Every handler is a read-only
// diagnostic over client; Server never mutates it.
func New(client *clientctx.Client) *Server {
	mux := http.NewServeMux()
	grpcHealth := health.NewServer()

	s := &Server{
		client:     client,
		mux:        mux,
		grpcHealth: grpcHealth,
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	s.grpcServer = grpcServer

	return s
}

// Handler returns the HTTP mux for embedding in another server, or for
// httptest in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ServeHTTP starts the HTTP server on addr and blocks until it exits.
func (s *Server) ServeHTTP(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// ServeGRPC starts the gRPC health service on addr and blocks until it
// exits. It marks the overall service SERVING just before it starts
// accepting connections, replacing any status set by an earlier
// SetNotServing call.
func (s *Server) ServeGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("opsrv: listen %s: %w", addr, err)
	}
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s.grpcServer.Serve(lis)
}

// SetNotServing flips the gRPC health service to NOT_SERVING, e.g.
// during a graceful shutdown drain.
func (s *Server) SetNotServing() {
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// Stop gracefully stops the gRPC server. The HTTP server has no
// equivalent handle here since http.Server.ListenAndServe owns its own
// lifecycle; callers that need graceful HTTP shutdown should build
// their own http.Server and pass its Handler() in instead of calling
// ServeHTTP.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if err := s.client.Ping(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	if count, err := s.client.ActiveStateCount(); err != nil {
		checks["executor"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "executor not accessible"
		}
	} else {
		checks["executor"] = fmt.Sprintf("%d active states", count)
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
