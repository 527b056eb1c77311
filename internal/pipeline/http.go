package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server exposes the Command Pipeline over HTTP: /command accepts a command
// envelope and returns the pipeline's structured response, and /health
// answers a liveness probe.
// Mirrors the teacher's internal/api/api.go mux setup and
// writeJSON/writeError helpers.
type Server struct {
	pipeline   *Pipeline
	logger     *slog.Logger
	httpServer *http.Server
	addr       string
}

// NewServer binds an HTTP surface to an already-populated Pipeline.
func NewServer(addr string, p *Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: p, logger: logger, addr: addr}
}

// Start blocks, serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("pipeline http server starting", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type commandEnvelope struct {
	Command     string            `json:"command"`
	Args        map[string]string `json:"args"`
	ProjectName string            `json:"project_name"`
	RequesterID string            `json:"requester_id"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var env commandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if env.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "requester_id is required")
		return
	}

	resp := s.pipeline.Process(r.Context(), Request{
		Command:     env.Command,
		Args:        env.Args,
		ProjectName: env.ProjectName,
		RequesterID: env.RequesterID,
	})
	writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
