package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/pkg/projections"
)

// StatsProvider returns the current hit/miss counters of every cache
// projection, keyed by projection name.
type StatsProvider func() map[string]projections.Snapshot

// SystemController defines the HTTP handlers for operational APIs.
type SystemController struct {
	stats StatsProvider
}

// NewSystemController creates a new SystemController.
func NewSystemController(stats StatsProvider) *SystemController {
	return &SystemController{stats: stats}
}

// CacheStats returns the per-projection cache counters.
func (c *SystemController) CacheStats(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-type", "application/json")
	rw.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(rw).Encode(c.stats()); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("encoding cache stats")
	}
}
