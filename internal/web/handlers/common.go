package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/identity"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxRequestBody caps JSON bodies; a resolve request carries one embedding per face.
const maxRequestBody = 8 << 20

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrInvalidEmbedding):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidFeedback), errors.Is(err, identity.ErrRejectedSignature):
		return http.StatusUnprocessableEntity
	case errors.Is(err, identity.ErrInactivePerson), errors.Is(err, database.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondServiceError reports an engine error. Internal errors are logged and
// hidden from the client.
func respondServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", zap.Error(err))
		respondError(w, status, op+" failed")
		return
	}
	respondError(w, status, err.Error())
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// urlParam returns a required chi URL parameter, responding 400 when it is missing.
func urlParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := chi.URLParam(r, name)
	if v == "" {
		respondError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return v, true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
