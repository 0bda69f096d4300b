package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/infrastructure/logger"
	"github.com/bnema/renderq/internal/port"
)

type Handlers struct {
	queue  port.JobQueue
	ledger port.Ledger
	health func() error
}

func NewHandlers(queue port.JobQueue, ledger port.Ledger, health func() error) *Handlers {
	return &Handlers{
		queue:  queue,
		ledger: ledger,
		health: health,
	}
}

type jobResponse struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	OutputRef   string          `json:"output_reference,omitempty"`
	Error       string          `json:"error,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toJobResponse(j *domain.Job) jobResponse {
	resp := jobResponse{
		ID:        j.ID,
		UserID:    j.UserID,
		Status:    string(j.Status),
		Progress:  j.Progress,
		OutputRef: j.OutputRef,
		Error:     j.ErrorMessage,
		Params:    j.Params,
		CreatedAt: j.CreatedAt,
	}
	if j.StartedAt.Valid {
		t := j.StartedAt.Time
		resp.StartedAt = &t
	}
	if j.CompletedAt.Valid {
		t := j.CompletedAt.Time
		resp.CompletedAt = &t
	}
	return resp
}

func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.health != nil {
			if err := h.health(); err != nil {
				logger.Error.Printf("health check: %v", err)
				writeError(w, http.StatusServiceUnavailable, "store unreachable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handlers) EnqueueJob() http.HandlerFunc {
	type request struct {
		UserID string          `json:"user_id"`
		Params json.RawMessage `json:"params"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		job, err := h.queue.Enqueue(r.Context(), req.UserID, req.Params)
		if err != nil {
			logger.Error.Printf("enqueue for user %s: %v", logger.Sanitize(req.UserID), err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue job")
			return
		}
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

func (h *Handlers) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.queue.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			logger.Error.Printf("get job: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

func (h *Handlers) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canceler, ok := h.queue.(port.Canceler)
		if !ok {
			writeError(w, http.StatusConflict, "this backend cannot cancel jobs")
			return
		}

		err := canceler.Cancel(r.Context(), r.PathValue("id"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrTerminalState):
			writeError(w, http.StatusConflict, "job already finished")
		default:
			logger.Error.Printf("cancel job: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
	}
}

func (h *Handlers) CreateUser() http.HandlerFunc {
	type request struct {
		UserID  string `json:"user_id"`
		Credits int64  `json:"credits"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" || req.Credits < 0 {
			writeError(w, http.StatusBadRequest, "user_id and non-negative credits required")
			return
		}

		err := h.ledger.CreateUser(r.Context(), req.UserID, req.Credits)
		switch {
		case err == nil:
			writeJSON(w, http.StatusCreated, map[string]any{"user_id": req.UserID, "credits": req.Credits})
		case errors.Is(err, domain.ErrUserExists):
			writeError(w, http.StatusConflict, "user already exists")
		default:
			logger.Error.Printf("create user: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create user")
		}
	}
}

func (h *Handlers) GetUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("id")
		balance, err := h.ledger.GetBalance(r.Context(), userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			logger.Error.Printf("get balance: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load balance")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "credits": balance})
	}
}

func (h *Handlers) AddCredits() http.HandlerFunc {
	type request struct {
		Credits int64 `json:"credits"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Credits <= 0 {
			writeError(w, http.StatusBadRequest, "credits must be positive")
			return
		}

		userID := r.PathValue("id")
		if err := h.ledger.AddCredits(r.Context(), userID, req.Credits); err != nil {
			logger.Error.Printf("add credits: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to add credits")
			return
		}

		balance, err := h.ledger.GetBalance(r.Context(), userID)
		if err != nil {
			logger.Error.Printf("read balance after top-up: %v", err)
			writeJSON(w, http.StatusOK, map[string]any{"user_id": userID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "credits": balance})
	}
}
