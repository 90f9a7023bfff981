package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stratalog/audit-relay/internal/domain"
	"github.com/stratalog/audit-relay/internal/store"
)

type OutboxHandler struct {
	store *store.PostgresStore
}

func NewOutboxHandler(s *store.PostgresStore) *OutboxHandler {
	return &OutboxHandler{store: s}
}

func (h *OutboxHandler) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	destination := r.URL.Query().Get("destination")

	if state != "" && !domain.DeliveryState(state).Valid() {
		respondError(w, http.StatusBadRequest, "unknown delivery state")
		return
	}

	records, err := h.store.ListOutbox(r.Context(), state, destination, queryLimit(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list outbox records")
		return
	}

	respondJSON(w, http.StatusOK, records)
}

func (h *OutboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.store.GetOutbox(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "outbox record not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get outbox record")
		return
	}

	respondJSON(w, http.StatusOK, record)
}
