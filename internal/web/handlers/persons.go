package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/identity"
)

// PersonsHandler serves the person registry and operator feedback.
type PersonsHandler struct {
	engine *identity.Engine
	logger *zap.Logger
}

// NewPersonsHandler creates a new persons handler.
func NewPersonsHandler(engine *identity.Engine, logger *zap.Logger) *PersonsHandler {
	return &PersonsHandler{engine: engine, logger: logger}
}

// PersonDetailResponse is a person with the observations linked to it.
type PersonDetailResponse struct {
	Person       *database.Person           `json:"person"`
	Observations []database.FaceObservation `json:"observations"`
}

func scopeAndPerson(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return "", "", false
	}
	personID, ok := urlParam(w, r, "personID")
	if !ok {
		return "", "", false
	}
	return profileID, personID, true
}

// List returns every person of the profile. Embeddings are omitted unless
// ?embeddings=true is given.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	profileID, ok := urlParam(w, r, "profileID")
	if !ok {
		return
	}
	persons, err := h.engine.Registry.Persons(r.Context(), profileID)
	if err != nil {
		respondServiceError(w, h.logger, "list persons", err)
		return
	}
	if r.URL.Query().Get("embeddings") != "true" {
		for i := range persons {
			persons[i].CanonicalEmbedding = nil
		}
	}
	if persons == nil {
		persons = []database.Person{}
	}
	respondJSON(w, http.StatusOK, persons)
}

// Get returns one person with its observations.
func (h *PersonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	profileID, personID, ok := scopeAndPerson(w, r)
	if !ok {
		return
	}
	detail, err := h.engine.Registry.Person(r.Context(), profileID, personID)
	if err != nil {
		respondServiceError(w, h.logger, "load person", err)
		return
	}
	observations := detail.Observations
	if observations == nil {
		observations = []database.FaceObservation{}
	}
	respondJSON(w, http.StatusOK, PersonDetailResponse{Person: detail.Person, Observations: observations})
}

// MergeRequest names the person the path person is merged into.
type MergeRequest struct {
	TargetID string `json:"target_id"`
}

// Merge folds the path person into target_id.
func (h *PersonsHandler) Merge(w http.ResponseWriter, r *http.Request) {
	profileID, personID, ok := scopeAndPerson(w, r)
	if !ok {
		return
	}
	var req MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TargetID == "" {
		respondError(w, http.StatusBadRequest, "target_id is required")
		return
	}

	res, err := h.engine.Feedback.Merge(r.Context(), profileID, personID, req.TargetID)
	if err != nil {
		respondServiceError(w, h.logger, "merge", err)
		return
	}
	h.logger.Info("merged persons",
		zap.String("profile_id", sanitizeForLog(profileID)),
		zap.String("source", sanitizeForLog(personID)),
		zap.String("target", sanitizeForLog(req.TargetID)))
	respondJSON(w, http.StatusOK, res)
}

// SeparateRequest names the observation split off the path person.
type SeparateRequest struct {
	ObservationID string `json:"observation_id"`
}

// Separate moves one observation of the path person to a new person.
func (h *PersonsHandler) Separate(w http.ResponseWriter, r *http.Request) {
	profileID, personID, ok := scopeAndPerson(w, r)
	if !ok {
		return
	}
	var req SeparateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ObservationID == "" {
		respondError(w, http.StatusBadRequest, "observation_id is required")
		return
	}

	res, err := h.engine.Feedback.Separate(r.Context(), profileID, personID, req.ObservationID)
	if err != nil {
		respondServiceError(w, h.logger, "separate", err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// FeedbackRequest carries the optional reason or label of a feedback action.
type FeedbackRequest struct {
	Reason string `json:"reason"`
	Label  string `json:"label"`
}

// MarkIncorrect retires the path person as not a real or relevant identity.
func (h *PersonsHandler) MarkIncorrect(w http.ResponseWriter, r *http.Request) {
	profileID, personID, ok := scopeAndPerson(w, r)
	if !ok {
		return
	}
	var req FeedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.engine.Feedback.MarkIncorrect(r.Context(), profileID, personID, req.Reason)
	if err != nil {
		respondServiceError(w, h.logger, "mark incorrect", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Confirm verifies the path person as the profile owner.
func (h *PersonsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	profileID, personID, ok := scopeAndPerson(w, r)
	if !ok {
		return
	}
	var req FeedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.engine.Feedback.Confirm(r.Context(), profileID, personID, req.Label)
	if err != nil {
		respondServiceError(w, h.logger, "confirm", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// LinkOwner links the profile username to the path person.
func (h *PersonsHandler) LinkOwner(w http.ResponseWriter, r *http.Request) {
	profileID, personID, ok := scopeAndPerson(w, r)
	if !ok {
		return
	}

	res, err := h.engine.Feedback.LinkProfileOwner(r.Context(), profileID, personID)
	if err != nil {
		respondServiceError(w, h.logger, "link profile owner", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
