package controllers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/router"
	"github.com/peercall-project/backend/internal/signaling"
)

var _ router.Controller = (*SignalingController)(nil)

type SignalingController struct {
	Relay *signaling.Service
}

func (c *SignalingController) Register(router *mux.Router) {
	router.HandleFunc("/v1/rooms/{roomID}/messages", c.handlePostMessage).Methods(http.MethodPost)
	router.HandleFunc("/v1/rooms/{roomID}/messages", c.handlePollMessages).Methods(http.MethodGet)
	router.HandleFunc("/v1/rooms/{roomID}/candidates", c.handlePostCandidate).Methods(http.MethodPost)
	router.HandleFunc("/v1/rooms/{roomID}/candidates", c.handlePollCandidates).Methods(http.MethodGet)
}

type postMessageRequest struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (c *SignalingController) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		req.UserID = sessionUser(r)
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	_, err := c.Relay.PostMessage(r.Context(), roomID, req.UserID, signaling.MessageType(req.Type), req.Payload)
	if errors.Is(err, signaling.ErrInvalidMessageType) {
		writeError(w, http.StatusBadRequest, "type must be offer or answer")
		return
	} else if err != nil {
		zap.L().Error("failed to store signaling message", zap.String("room", roomID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store message")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type pollMessagesResponse struct {
	Success  bool                `json:"success"`
	Messages []signaling.Message `json:"messages"`
}

func (c *SignalingController) handlePollMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = sessionUser(r)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	messages, err := c.Relay.PollMessages(r.Context(), roomID, userID)
	if err != nil {
		// Poll path degrades to an empty result, the client retries.
		zap.L().Warn("message poll failed", zap.String("room", roomID), zap.Error(err))
		messages = make([]signaling.Message, 0)
	}

	writeJSON(w, http.StatusOK, pollMessagesResponse{
		Success:  true,
		Messages: messages,
	})
}

type postCandidateRequest struct {
	UserID    string `json:"userId"`
	Candidate string `json:"candidate"`
}

func (c *SignalingController) handlePostCandidate(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	var req postCandidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		req.UserID = sessionUser(r)
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Candidate == "" {
		writeError(w, http.StatusBadRequest, "candidate is required")
		return
	}

	if _, err := c.Relay.PostCandidate(r.Context(), roomID, req.UserID, req.Candidate); err != nil {
		zap.L().Error("failed to store ice candidate", zap.String("room", roomID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store candidate")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type pollCandidatesResponse struct {
	Success    bool                  `json:"success"`
	Candidates []signaling.Candidate `json:"candidates"`
}

func (c *SignalingController) handlePollCandidates(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = sessionUser(r)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	candidates, err := c.Relay.PollCandidates(r.Context(), roomID, userID)
	if err != nil {
		zap.L().Warn("candidate poll failed", zap.String("room", roomID), zap.Error(err))
		candidates = make([]signaling.Candidate, 0)
	}

	writeJSON(w, http.StatusOK, pollCandidatesResponse{
		Success:    true,
		Candidates: candidates,
	})
}
