package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/identity"
)

// SourcesHandler feeds detector output into the engine and serves participant summaries.
type SourcesHandler struct {
	engine *identity.Engine
	logger *zap.Logger
}

// NewSourcesHandler creates a new sources handler.
func NewSourcesHandler(engine *identity.Engine, logger *zap.Logger) *SourcesHandler {
	return &SourcesHandler{engine: engine, logger: logger}
}

// MatchRequest is the body of POST /profiles/{profileID}/match.
type MatchRequest struct {
	Embedding  []float32 `json:"embedding"`
	Signature  string    `json:"signature"`
	ObservedAt time.Time `json:"observed_at"`
}

// Match resolves one embedding to a person of the profile.
func (h *SourcesHandler) Match(w http.ResponseWriter, r *http.Request) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return
	}
	var req MatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Signature == "" {
		respondError(w, http.StatusBadRequest, "signature is required")
		return
	}

	res, err := h.engine.Matcher.MatchOrCreateAt(r.Context(), profileID, req.Embedding, req.Signature, req.ObservedAt)
	if err != nil {
		respondServiceError(w, h.logger, "match", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

func sourceFromRequest(w http.ResponseWriter, r *http.Request) (database.Source, bool) {
	kind, ok := urlParam(w, r, "kind")
	if !ok {
		return database.Source{}, false
	}
	id, ok := urlParam(w, r, "sourceID")
	if !ok {
		return database.Source{}, false
	}
	src, err := database.ParseSource(kind, id)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return database.Source{}, false
	}
	return src, true
}

// Resolve runs the full pipeline for the faces detected in one post or story.
func (h *SourcesHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return
	}
	src, ok := sourceFromRequest(w, r)
	if !ok {
		return
	}
	var in identity.SourceInput
	if !decodeJSON(w, r, &in) {
		return
	}

	res, err := h.engine.Resolver.ProcessSource(r.Context(), profileID, src, in)
	if err != nil {
		respondServiceError(w, h.logger, "resolve", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Summary returns the stored participant summary of a source.
func (h *SourcesHandler) Summary(w http.ResponseWriter, r *http.Request) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return
	}
	src, ok := sourceFromRequest(w, r)
	if !ok {
		return
	}

	summary, err := h.engine.Registry.Summary(r.Context(), profileID, src)
	if err != nil {
		respondServiceError(w, h.logger, "load summary", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
