// Package server exposes the analysis pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/logsentinel/sentinel/internal/analyzer"
	"github.com/logsentinel/sentinel/internal/logging"
	"github.com/logsentinel/sentinel/internal/orchestrator"
)

const (
	defaultMaxBodyBytes = 10 << 20
	shutdownTimeout     = 15 * time.Second
	requestIDHeader     = "X-Request-ID"
)

// Runner runs one analysis. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*analyzer.FinalReport, error)
}

// Options configures the HTTP transport.
type Options struct {
	AllowedOrigins []string
	PreviewOrigins string // regular expression; empty disables pattern matching
	MaxConns       int    // 0 = unlimited
	MaxBodyBytes   int64  // 0 = 10 MiB
	Logger         *zap.Logger
}

// Server serves POST /api/analyze and the liveness endpoints.
type Server struct {
	runner   Runner
	origins  map[string]bool
	preview  *regexp.Regexp
	maxConns int
	maxBody  int64
	log      *zap.Logger

	handler    http.Handler
	httpServer *http.Server
}

// New creates a Server around runner.
func New(runner Runner, opts Options) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("server: runner is required")
	}
	s := &Server{
		runner:   runner,
		origins:  make(map[string]bool, len(opts.AllowedOrigins)),
		maxConns: opts.MaxConns,
		maxBody:  opts.MaxBodyBytes,
		log:      logging.OrNop(opts.Logger),
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[o] = true
	}
	if opts.PreviewOrigins != "" {
		re, err := regexp.Compile(opts.PreviewOrigins)
		if err != nil {
			return nil, fmt.Errorf("preview origins: %w", err)
		}
		s.preview = re
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.handler = s.cors(mux)

	return s, nil
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening on addr (":0" = OS-assigned port). Returns "host:port".
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.httpServer.Serve(ln) //nolint:errcheck

	return ln.Addr().String(), nil
}

// Stop gracefully shuts down the server, waiting for in-flight runs until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	bound, err := s.Start(addr)
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.String("addr", bound), zap.Int("max_conns", s.maxConns))

	<-ctx.Done()
	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

type analyzeRequest struct {
	Log      *string `json:"log"`
	Language string  `json:"language"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Reason string `json:"reason"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := orchestrator.NewRunID()
	w.Header().Set(requestIDHeader, id)

	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "O log excede o tamanho máximo aceito.", Reason: "invalid_input"})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "Corpo da requisição inválido.", Reason: "invalid_input"})
		return
	}
	if req.Log == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "O campo log é obrigatório.", Reason: "invalid_input"})
		return
	}

	rep, err := s.runner.Run(r.Context(), orchestrator.Request{ID: id, Log: *req.Log, Language: req.Language})
	if err != nil {
		status, body := errorFor(err)
		s.log.Error("analysis failed", zap.String("run_id", id), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// errorFor maps a run failure to a status and a body without internal diagnostics.
func errorFor(err error) (int, errorResponse) {
	var perr *orchestrator.PipelineError
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError, errorResponse{Detail: orchestrator.DetailInternal, Reason: "internal"}
	}
	status := http.StatusInternalServerError
	if perr.Kind == orchestrator.InvalidInput {
		status = http.StatusUnprocessableEntity
	}
	return status, errorResponse{Detail: perr.Detail, Reason: perr.Kind.String()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *Server) originAllowed(origin string) bool {
	if s.origins[origin] {
		return true
	}
	return s.preview != nil && s.preview.MatchString(origin)
}

// cors allows credentialed requests from the allow-list and preview
// origins. Preflights from allowed origins are answered here with 204.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if !s.originAllowed(origin) {
			if preflight {
				http.Error(w, "disallowed CORS origin", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", requestIDHeader)
		if preflight {
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
