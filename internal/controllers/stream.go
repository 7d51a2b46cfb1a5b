package controllers

import (
	"context"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/matchmaking"
	"github.com/peercall-project/backend/internal/router"
	"github.com/peercall-project/backend/internal/signaling"
)

var _ router.Controller = (*StreamController)(nil)

const (
	streamPollInterval = 500 * time.Millisecond

	// How long an active room may sit without any signaling traffic before
	// the stream is closed and the client is expected to call leave.
	negotiationTimeout = 30 * time.Second

	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingInterval = 54 * time.Second
)

var wsPool = new(sync.Pool)

// StreamController is the push alternative to the polling endpoints: one
// WebSocket per participant per room, delivering status transitions and the
// peer's signaling traffic as they land in storage. The delivery reads are
// the same relay queries polling uses, so ordering and at-least-once
// semantics are identical.
type StreamController struct {
	Matchmaking    *matchmaking.Service
	Relay          *signaling.Service
	AllowedOrigins mapset.Set

	upgrader *websocket.Upgrader
}

func (c *StreamController) Register(router *mux.Router) {
	c.upgrader = &websocket.Upgrader{
		HandshakeTimeout:  10 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		WriteBufferPool:   wsPool,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if c.AllowedOrigins == nil || c.AllowedOrigins.Cardinality() == 0 {
				return true
			}
			return c.AllowedOrigins.Contains(r.Header.Get("Origin"))
		},
	}

	router.HandleFunc("/v1/rooms/{roomID}/ws", c.handleStream).Methods(http.MethodGet)
}

func (c *StreamController) handleStream(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = sessionUser(r)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Error("failed to upgrade connection", zap.Error(err))
		return
	}

	stream := &roomStream{
		conn:        conn,
		roomID:      roomID,
		userID:      userID,
		matchmaking: c.Matchmaking,
		relay:       c.Relay,
		done:        make(chan struct{}),
	}

	zap.L().Debug("room stream opened", zap.String("room", roomID), zap.String("user", userID))

	go stream.readPump()
	go stream.writePump()
}

type streamFrame struct {
	Kind      string               `json:"kind"`
	Status    string               `json:"status,omitempty"`
	PartnerID string               `json:"partnerId,omitempty"`
	Message   *signaling.Message   `json:"message,omitempty"`
	Candidate *signaling.Candidate `json:"candidate,omitempty"`
}

type roomStream struct {
	conn        *websocket.Conn
	roomID      string
	userID      string
	matchmaking *matchmaking.Service
	relay       *signaling.Service
	done        chan struct{}
}

// readPump drains the connection for control frames and close notifications.
// Clients never send data frames; teardown happens through leave.
func (s *roomStream) readPump() {
	defer func() {
		close(s.done)
		s.conn.Close()
		zap.L().Debug("room stream closed", zap.String("room", s.roomID), zap.String("user", s.userID))
	}()

	s.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *roomStream) writePump() {
	pollTicker := time.NewTicker(streamPollInterval)
	pingTicker := time.NewTicker(streamPingInterval)
	defer func() {
		pollTicker.Stop()
		pingTicker.Stop()
		s.conn.Close()
	}()

	// The request context dies with the HTTP handler; the hijacked
	// connection outlives it.
	ctx := context.Background()

	var lastStatus matchmaking.Status
	var lastMessageID uint
	lastSignal := time.Now()

	for {
		select {
		case <-s.done:
			return

		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-pollTicker.C:
			res, err := s.matchmaking.Status(ctx, s.roomID, s.userID)
			if err != nil {
				// Transient read failure, the next tick retries.
				continue
			}

			if res.Status != lastStatus {
				lastStatus = res.Status
				if !s.writeFrame(streamFrame{
					Kind:      "status",
					Status:    string(res.Status),
					PartnerID: res.PartnerID,
				}) {
					return
				}
				if res.Status == matchmaking.StatusActive {
					lastSignal = time.Now()
				}
			}

			if res.Status == matchmaking.StatusNotFound {
				// Room is gone, the client moves to its terminal state.
				return
			}
			if res.Status != matchmaking.StatusActive {
				continue
			}

			messages, err := s.relay.MessagesSince(ctx, s.roomID, s.userID, lastMessageID)
			if err == nil {
				for i := range messages {
					msg := messages[i]
					if !s.writeFrame(streamFrame{Kind: "message", Message: &msg}) {
						return
					}
					lastMessageID = msg.ID
					lastSignal = time.Now()
				}
			}

			candidates, err := s.relay.PollCandidates(ctx, s.roomID, s.userID)
			if err == nil {
				for i := range candidates {
					cand := candidates[i]
					if !s.writeFrame(streamFrame{Kind: "candidate", Candidate: &cand}) {
						return
					}
					lastSignal = time.Now()
				}
			}

			if time.Since(lastSignal) > negotiationTimeout {
				zap.L().Debug("negotiation timed out", zap.String("room", s.roomID), zap.String("user", s.userID))
				return
			}
		}
	}
}

func (s *roomStream) writeFrame(frame streamFrame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		zap.L().Debug("failed to write stream frame", zap.String("room", s.roomID), zap.Error(err))
		return false
	}
	return true
}
