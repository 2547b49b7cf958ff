package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wellspring-kb/session-controller/internal/service"
	"github.com/wellspring-kb/session-controller/pkg/logger"
)

// errorBody is the error shape every JSON failure response carries, the
// same one the middleware writes inline for auth and rate-limit rejections.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeServiceError maps a service failure onto the wire: a missing
// conversation is 404, anything else is a logged 500. action names the
// operation for both the log line and the client-facing message.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, action, conversationID string) {
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	log.Error("failed to "+action, "conversation_id", conversationID, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to "+action)
}
