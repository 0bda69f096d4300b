package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bnema/renderq/internal/infrastructure/logger"
	"github.com/bnema/renderq/internal/port"
)

type Server struct {
	mux       *http.ServeMux
	handlers  *Handlers
	authToken string
}

// NewServer wires the thin request/response wrapper around the queue. It
// only submits, reads, and cancels jobs and moves credits; everything else
// belongs to the worker side.
func NewServer(queue port.JobQueue, ledger port.Ledger, health func() error, authToken string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		handlers:  NewHandlers(queue, ledger, health),
		authToken: authToken,
	}

	mux.HandleFunc("GET /healthz", s.handlers.Health())

	mux.HandleFunc("POST /api/jobs", s.authed(s.handlers.EnqueueJob()))
	mux.HandleFunc("GET /api/jobs/{id}", s.authed(s.handlers.GetJob()))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.authed(s.handlers.CancelJob()))

	mux.HandleFunc("POST /api/users", s.authed(s.handlers.CreateUser()))
	mux.HandleFunc("GET /api/users/{id}", s.authed(s.handlers.GetUser()))
	mux.HandleFunc("POST /api/users/{id}/credits", s.authed(s.handlers.AddCredits()))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// authed enforces the static bearer token when one is configured.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	if s.authToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
