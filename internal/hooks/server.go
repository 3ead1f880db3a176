// Package hooks implements the token-authenticated HTTP trigger server:
// wake events, isolated agent tasks, and declaratively mapped endpoints.
package hooks

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
)

// Options wires the hooks server.
type Options struct {
	Daemon *daemon.Daemon
	Config config.HooksConfig
	// Token is the resolved plaintext trigger token.
	Token string
}

// Server is the webhook server.
type Server struct {
	d     *daemon.Daemon
	cfg   config.HooksConfig
	token string
}

// NewServer creates the hooks server.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.BasePath == "" {
		cfg.BasePath = "/hooks"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ReadTimeoutSeconds <= 0 {
		cfg.ReadTimeoutSeconds = 10
	}
	return &Server{d: opts.Daemon, cfg: cfg, token: opts.Token}
}

// ReadTimeout is the slow-client body read timeout, exposed for the HTTP
// server configuration.
func (s *Server) ReadTimeout() time.Duration {
	return time.Duration(s.cfg.ReadTimeoutSeconds) * time.Second
}

// Handler returns the HTTP handler for the configured base path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// CORS preflight is always honored; everything else is POST except
	// /health.
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-CoWork-Token")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, s.cfg.BasePath)
	if path == "" {
		path = "/"
	}

	if path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UnixMilli()})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	switch path {
	case "/wake":
		s.handleWake(w, body)
	case "/agent":
		s.handleAgent(w, body)
	default:
		if m := s.matchMapping(path, r.Header, body); m != nil {
			s.applyMapping(w, m, body)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such hook"})
	}
}

// authorized checks the bearer or header token with constant-time comparison.
// Query-string tokens are accepted but logged as deprecated.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if h := r.Header.Get("X-CoWork-Token"); h != "" {
		presented = h
	} else if q := r.URL.Query().Get("token"); q != "" {
		slog.Warn("Deprecated query-string token used for webhook auth", "path", r.URL.Path)
		presented = q
	}
	want := sha256.Sum256([]byte(s.token))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// readBody enforces the size cap and the slow-client timeout.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if rc := http.NewResponseController(w); rc != nil {
		_ = rc.SetReadDeadline(time.Now().Add(s.ReadTimeout()))
	}
	limited := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body read failed"})
		}
		return nil, false
	}
	return body, true
}

func (s *Server) handleWake(w http.ResponseWriter, body []byte) {
	var req struct {
		Mode    string         `json:"mode,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}
	mode := req.Mode
	switch mode {
	case "", "now":
		mode = "now"
	case "next-heartbeat":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown mode: " + mode})
		return
	}
	s.d.Wake(mode, req.Payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "mode": mode})
}

func (s *Server) handleAgent(w http.ResponseWriter, body []byte) {
	var req struct {
		Title          string `json:"title,omitempty"`
		Prompt         string `json:"prompt"`
		WorkspaceID    string `json:"workspaceId,omitempty"`
		IdempotencyKey string `json:"idempotencyKey,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}
	task, err := s.d.CreateTask(daemon.TaskRequest{
		Title:          req.Title,
		Prompt:         req.Prompt,
		WorkspaceID:    req.WorkspaceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": task.ID})
}

func (s *Server) applyMapping(w http.ResponseWriter, m *config.HookMapping, body []byte) {
	switch m.Action {
	case "agent":
		prompt := m.Prompt
		if strings.TrimSpace(prompt) == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "mapping has no prompt"})
			return
		}
		task, err := s.d.CreateTask(daemon.TaskRequest{Prompt: prompt})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"taskId": task.ID})
	default:
		mode := m.Mode
		if mode == "" {
			mode = "now"
		}
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		s.d.Wake(mode, payload)
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
