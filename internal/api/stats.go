package api

import (
	"net/http"

	"github.com/stratalog/audit-relay/internal/store"
	ws "github.com/stratalog/audit-relay/internal/websocket"
)

type StatsHandler struct {
	store *store.PostgresStore
	hub   *ws.Hub
}

func NewStatsHandler(s *store.PostgresStore, hub *ws.Hub) *StatsHandler {
	return &StatsHandler{store: s, hub: hub}
}

type statsResponse struct {
	*store.PipelineStats
	FeedClients int `json:"feed_clients"`
}

// Pipeline reports the aggregate outbox and dead-letter counters the
// dashboard polls between feed updates.
func (h *StatsHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetPipelineStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load pipeline stats")
		return
	}

	respondJSON(w, http.StatusOK, statsResponse{
		PipelineStats: stats,
		FeedClients:   h.hub.ClientCount(),
	})
}
