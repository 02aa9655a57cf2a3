// Package api is the owner-facing HTTP surface: mesh lifecycle,
// routing and execution, cost and approval introspection, the event
// stream, and an OpenAI-compatible facade over mesh capabilities.
// It binds loopback by default and carries no auth of its own.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/node"
)

// maxBodyBytes caps request bodies; payloads ride inside JSON and a
// megabyte is generous for every endpoint here.
const maxBodyBytes = 1 << 20

// Server serves the local HTTP API for one node.
type Server struct {
	node     *node.Node
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the API around a node. CORS origins come from the
// node's config; an empty list allows any origin, which is fine for a
// loopback bind.
func NewServer(n *node.Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:   n,
		logger: logger.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(n.Config().API.CORSOrigins),
	}
	return s
}

// Handler builds the full route table. CORS wraps the router so
// preflights are answered even for unmatched methods.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/mesh/status", s.handleMeshStatus).Methods(http.MethodGet)
	api.HandleFunc("/mesh/create", s.handleMeshCreate).Methods(http.MethodPost)
	api.HandleFunc("/mesh/token", s.handleMeshToken).Methods(http.MethodPost)
	api.HandleFunc("/mesh/join", s.handleMeshJoin).Methods(http.MethodPost)
	api.HandleFunc("/mesh/leave", s.handleMeshLeave).Methods(http.MethodPost)
	api.HandleFunc("/mesh/revoke", s.handleMeshRevoke).Methods(http.MethodPost)
	api.HandleFunc("/mesh/peers", s.handleMeshPeers).Methods(http.MethodGet)
	api.HandleFunc("/mesh/topology", s.handleMeshTopology).Methods(http.MethodGet)
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	api.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/route", s.handleRoute).Methods(http.MethodPost)
	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/cost/current", s.handleCostCurrent).Methods(http.MethodGet)
	api.HandleFunc("/cost/table", s.handleCostTable).Methods(http.MethodGet)
	api.HandleFunc("/approval/config", s.handleApprovalGet).Methods(http.MethodGet)
	api.HandleFunc("/approval/config", s.handleApprovalSet).Methods(http.MethodPost, http.MethodPut)
	api.HandleFunc("/audit/tail", s.handleAuditTail).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleEventStream).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	v1.HandleFunc("/embeddings", s.handleEmbeddings).Methods(http.MethodPost)
	v1.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	v1.HandleFunc("/ml/anomaly", s.handleAnomaly).Methods(http.MethodPost)
	v1.HandleFunc("/ml/classify", s.handleClassify).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return s.withCORS(r)
}

// Run serves until ctx is canceled, then drains for a few seconds.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.node.Config().API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("api listener: %w", err)
	}
}

// withCORS answers preflights and stamps the usual headers. Allowed
// origins mirror the websocket origin check.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allow := originChecker(s.node.Config().API.CORSOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && allow(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", v)
				writeErr(w, core.Errorf(core.CodeHandlerError, "internal error"), false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

// statusWriter remembers the status code and keeps Flusher and
// Hijacker reachable for the SSE and websocket handlers underneath.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// originChecker allows everything when no origins are configured,
// otherwise the exact listed origins. "*" keeps the open behavior.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := len(allowed) == 0
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || wildcard || set[origin]
	}
}

// errBody is the error envelope every endpoint shares.
type errBody struct {
	Error errInfo `json:"error"`
}

type errInfo struct {
	Code    core.Code      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the error taxonomy onto HTTP. upstream marks timeouts
// that happened downstream of this node, which answer 504 instead of
// 408.
func writeErr(w http.ResponseWriter, err error, callerDeadline bool) {
	code := core.CodeOf(err)
	info := errInfo{Code: code, Message: err.Error()}
	var ce *core.Error
	if errors.As(err, &ce) {
		info.Message = ce.Message
		info.Details = ce.Details
	}
	writeJSON(w, core.HTTPStatus(code, callerDeadline), errBody{Error: info})
}

// decodeBody reads a bounded JSON body. An empty body decodes to the
// zero value so POSTs without arguments stay convenient.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return core.WrapErr(core.CodeValidation, err, "decoding request body")
	}
	return nil
}
