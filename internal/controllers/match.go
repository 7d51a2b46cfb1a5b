package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/matchmaking"
	"github.com/peercall-project/backend/internal/profile"
	"github.com/peercall-project/backend/internal/router"
)

var _ router.Controller = (*MatchController)(nil)

type MatchController struct {
	Matchmaking *matchmaking.Service
}

func (c *MatchController) Register(router *mux.Router) {
	router.HandleFunc("/v1/queue/join", c.handleJoin).Methods(http.MethodPost)
	router.HandleFunc("/v1/queue/status", c.handleStatus).Methods(http.MethodPost)
	router.HandleFunc("/v1/queue/leave", c.handleLeave).Methods(http.MethodPost)
}

type joinRequest struct {
	UserID string `json:"userId"`
}

type joinResponse struct {
	Success        bool             `json:"success"`
	RoomID         string           `json:"roomId"`
	Matched        bool             `json:"matched"`
	PartnerID      string           `json:"partnerId,omitempty"`
	PartnerProfile *profile.Summary `json:"partnerProfile,omitempty"`
}

func (c *MatchController) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = sessionUser(r)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := c.Matchmaking.Join(r.Context(), userID)
	if err != nil {
		zap.L().Error("join failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not join the queue")
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{
		Success:        true,
		RoomID:         res.RoomID,
		Matched:        res.Matched,
		PartnerID:      res.PartnerID,
		PartnerProfile: res.Partner,
	})
}

type statusRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type statusResponse struct {
	Success        bool             `json:"success"`
	Status         string           `json:"status"`
	PartnerID      string           `json:"partnerId,omitempty"`
	PartnerProfile *profile.Summary `json:"partnerProfile,omitempty"`
}

func (c *MatchController) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		req.UserID = sessionUser(r)
	}
	if req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "roomId is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := c.Matchmaking.Status(r.Context(), req.RoomID, req.UserID)
	if err != nil {
		// Read path: a transient failure degrades to not_found, the client
		// keeps polling.
		zap.L().Warn("status read failed", zap.String("room", req.RoomID), zap.Error(err))
		res = matchmaking.StatusResult{Status: matchmaking.StatusNotFound}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Success:        true,
		Status:         string(res.Status),
		PartnerID:      res.PartnerID,
		PartnerProfile: res.Partner,
	})
}

type leaveRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type leaveResponse struct {
	Success bool `json:"success"`
}

func (c *MatchController) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		req.UserID = sessionUser(r)
	}
	if req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "roomId is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	// Either participant may tear the room down.
	if err := c.Matchmaking.Leave(r.Context(), req.RoomID); err != nil {
		zap.L().Error("leave failed", zap.String("room", req.RoomID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not leave the room")
		return
	}

	writeJSON(w, http.StatusOK, leaveResponse{Success: true})
}
