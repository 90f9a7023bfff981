package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/stratalog/audit-relay/internal/audit"
	"github.com/stratalog/audit-relay/internal/store"
)

type EventHandler struct {
	store    *store.PostgresStore
	recorder *audit.Recorder
}

func NewEventHandler(s *store.PostgresStore, rec *audit.Recorder) *EventHandler {
	return &EventHandler{store: s, recorder: rec}
}

type createEventResponse struct {
	EventID           string `json:"event_id"`
	Action            string `json:"action"`
	PayloadHashSHA256 string `json:"payload_hash_sha256"`
	DeliveriesQueued  int    `json:"deliveries_queued"`
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req audit.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return
	}
	if req.ActorType == "" {
		respondError(w, http.StatusBadRequest, "actor_type is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	event, err := h.recorder.Record(r.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidResultStatus) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	respondJSON(w, http.StatusCreated, createEventResponse{
		EventID:           event.ID,
		Action:            event.Action,
		PayloadHashSHA256: event.PayloadHashSHA256,
		DeliveriesQueued:  len(h.recorder.Destinations()),
	})
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	tenantID := r.URL.Query().Get("tenant_id")

	events, err := h.store.ListEvents(r.Context(), action, tenantID, queryLimit(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func queryLimit(r *http.Request, fallback int) int {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return fallback
	}
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
		return n
	}
	return fallback
}
