// Package server exposes the orchestrator over HTTP/JSON and websockets
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/broadcast"
	"github.com/davidroman0O/netdoc/pkg/config"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/execution"
	"github.com/davidroman0O/netdoc/pkg/planner"
	"github.com/davidroman0O/netdoc/pkg/session"
	"github.com/davidroman0O/netdoc/pkg/terminal"
)

const (
	apiMessage = "CLI Documentation Generator API"
	apiVersion = "1.0.0"

	maxBodyBytes = 1 << 20
)

// Deps are the components the API fronts
type Deps struct {
	Inventory device.Inventory
	Sessions  *session.Manager
	Engine    *execution.Engine
	Events    *broadcast.Broadcaster
	Bridge    *terminal.Bridge
	Planner   *planner.Validator
}

// Server routes API requests to the orchestrator components
type Server struct {
	deps     Deps
	cfg      config.ServerConfig
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New creates a server
func New(deps Deps, cfg config.ServerConfig) *Server {
	s := &Server{
		deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
		},
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || s.originAllowed(origin)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/{$}", s.handleRoot)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("POST /api/devices/{id}/test-connection", s.handleTestConnection)
	mux.HandleFunc("POST /api/devices/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /api/devices/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/devices/{id}/files", s.handleFetchFile)
	mux.HandleFunc("POST /api/devices/{id}/plan", s.handlePlan)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /api/plans/{id}/execute", s.handleExecutePlan)
	mux.HandleFunc("POST /api/suggest", s.handleSuggest)
	mux.HandleFunc("GET /api/command-templates/{device_type}", s.handleTemplates)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/schema", s.handleSchemas)
	mux.HandleFunc("GET /api/schema/{name}", s.handleSchema)
	mux.HandleFunc("GET /api/ws/devices/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/ws/devices/{id}/terminal", s.handleTerminal)

	s.handler = s.logRequests(s.cors(mux))
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down. Request
// contexts, including open websockets, are cancelled with ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	baseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[SERVER] listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Printf("[SERVER] shutting down")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder keeps the response status for the access log. It forwards
// Hijack so websocket upgrades keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		log.Printf("[SERVER] %s %s %d %v", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

// StatusFor maps an error code onto an HTTP status
func StatusFor(err error) int {
	switch nderrors.GetCode(err) {
	case nderrors.ErrNotFound:
		return http.StatusNotFound
	case nderrors.ErrInvalidInput, nderrors.ErrProtocol:
		return http.StatusBadRequest
	case nderrors.ErrBusy, nderrors.ErrSessionInUse:
		return http.StatusConflict
	case nderrors.ErrUnreachable, nderrors.ErrTimeout:
		return http.StatusGatewayTimeout
	case nderrors.ErrAuthFailed:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), map[string]string{"detail": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return nderrors.Wrap(err, nderrors.ErrInvalidInput, "invalid request body")
	}
	return nil
}
