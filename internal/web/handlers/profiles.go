package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/identity"
)

// ProfilesHandler registers tracked profiles and runs scope-wide re-evaluation.
type ProfilesHandler struct {
	engine *identity.Engine
	logger *zap.Logger
}

// NewProfilesHandler creates a new profiles handler.
func NewProfilesHandler(engine *identity.Engine, logger *zap.Logger) *ProfilesHandler {
	return &ProfilesHandler{engine: engine, logger: logger}
}

// ProfileRequest is the body of PUT /profiles/{profileID}.
type ProfileRequest struct {
	Username       string  `json:"username"`
	MatchThreshold float64 `json:"match_threshold"`
}

// Upsert registers or updates a tracked profile.
func (h *ProfilesHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return
	}
	var req ProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile := &database.Profile{ID: profileID, Username: req.Username, MatchThreshold: req.MatchThreshold}
	if err := h.engine.Registry.RegisterProfile(r.Context(), profile); err != nil {
		respondServiceError(w, h.logger, "register profile", err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// Reevaluate runs the dominant identity aggregation over the profile history.
func (h *ProfilesHandler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return
	}
	promo, err := h.engine.Aggregator.Reevaluate(r.Context(), profileID)
	if err != nil {
		respondServiceError(w, h.logger, "reevaluate", err)
		return
	}
	respondJSON(w, http.StatusOK, promo)
}
