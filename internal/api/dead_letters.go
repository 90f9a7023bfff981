package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stratalog/audit-relay/internal/domain"
	"github.com/stratalog/audit-relay/internal/store"
)

type DeadLetterHandler struct {
	store *store.PostgresStore
}

func NewDeadLetterHandler(s *store.PostgresStore) *DeadLetterHandler {
	return &DeadLetterHandler{store: s}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	destination := r.URL.Query().Get("destination")

	if status != "" && !domain.OperatorStatus(status).Valid() {
		respondError(w, http.StatusBadRequest, "unknown operator status")
		return
	}

	letters, err := h.store.ListDeadLetters(r.Context(), status, destination, queryLimit(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, letters)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	letter, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}

	respondJSON(w, http.StatusOK, letter)
}

type operatorActionRequest struct {
	OperatorID string `json:"operator_id"`
	Note       string `json:"note,omitempty"`
}

func decodeOperatorAction(w http.ResponseWriter, r *http.Request) (operatorActionRequest, bool) {
	var req operatorActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.OperatorID == "" {
		respondError(w, http.StatusBadRequest, "operator_id is required")
		return req, false
	}
	return req, true
}

// Requeue re-arms the quarantined delivery with a fresh retry budget. A
// repeat failure opens a new dead letter; this one stays requeued.
func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, ok := decodeOperatorAction(w, r)
	if !ok {
		return
	}

	err := h.store.RequeueDeadLetter(r.Context(), id, req.OperatorID, req.Note, time.Now().UTC())
	if err != nil {
		respondTransitionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": string(domain.OperatorRequeued)})
}

func (h *DeadLetterHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.OperatorIgnored)
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.OperatorResolved)
}

func (h *DeadLetterHandler) transition(w http.ResponseWriter, r *http.Request, to domain.OperatorStatus) {
	id := chi.URLParam(r, "id")

	req, ok := decodeOperatorAction(w, r)
	if !ok {
		return
	}

	if err := h.store.TransitionDeadLetter(r.Context(), id, to, req.OperatorID, req.Note); err != nil {
		respondTransitionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

func respondTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, store.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "dead letter is not open")
	default:
		respondError(w, http.StatusInternalServerError, "failed to update dead letter")
	}
}
