package controllers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/cctx"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// sessionUser returns the participant ID the session middleware resolved
// from the cookie, or "" for anonymous requests.
func sessionUser(r *http.Request) string {
	uid, _ := r.Context().Value(cctx.SessionID).(string)
	return uid
}
