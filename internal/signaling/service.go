// Package signaling is the durable mailbox two matched peers use to
// exchange WebRTC session descriptions and ICE candidates while they
// establish a direct connection. It stores, serves and bulk-deletes; it
// never interprets the payloads.
package signaling

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/peercall-project/backend/internal/database/models"
)

type MessageType string

const (
	MessageTypeOffer  MessageType = "offer"
	MessageTypeAnswer MessageType = "answer"
)

var ErrInvalidMessageType = errors.New("signaling: message type must be offer or answer")

// Message is a stored offer or answer as served to the counterpart peer.
type Message struct {
	ID        uint        `json:"id"`
	From      string      `json:"from"`
	Type      MessageType `json:"type"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (m *Message) FromModel(msg models.SignalingMessage) {
	m.ID = msg.ID
	m.From = msg.UserID
	m.Type = MessageType(msg.Type)
	m.Payload = msg.Payload
	m.CreatedAt = msg.CreatedAt
}

// Candidate is a stored ICE candidate as served to the counterpart peer.
type Candidate struct {
	ID        uint      `json:"id"`
	From      string    `json:"from"`
	Candidate string    `json:"candidate"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Candidate) FromModel(cand models.IceCandidate) {
	c.ID = cand.ID
	c.From = cand.UserID
	c.Candidate = cand.Candidate
	c.CreatedAt = cand.CreatedAt
}

func NewService(db *bun.DB) *Service {
	return &Service{
		db: db,
	}
}

type Service struct {
	db *bun.DB
}

// PostMessage appends an offer or answer to the room mailbox. No dedup; the
// ordering guarantee is insertion time only.
func (s *Service) PostMessage(ctx context.Context, roomID, userID string, typ MessageType, payload string) (msg Message, err error) {
	if typ != MessageTypeOffer && typ != MessageTypeAnswer {
		err = ErrInvalidMessageType
		return
	}

	dbMsg := models.SignalingMessage{
		RoomID:    roomID,
		UserID:    userID,
		Type:      string(typ),
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	_, err = s.db.NewInsert().
		Model(&dbMsg).
		Exec(ctx)
	if err != nil {
		return
	}

	msg.FromModel(dbMsg)
	return
}

// PollMessages returns every message in the room not authored by userID,
// oldest first. Messages stay stored until the room is cleared, so polling
// is repeatable.
func (s *Service) PollMessages(ctx context.Context, roomID, userID string) (messages []Message, err error) {
	return s.messages(ctx, roomID, userID, 0)
}

// MessagesSince is PollMessages restricted to messages newer than afterID.
// Used by the push stream to deliver each message once per connection.
func (s *Service) MessagesSince(ctx context.Context, roomID, userID string, afterID uint) (messages []Message, err error) {
	return s.messages(ctx, roomID, userID, afterID)
}

func (s *Service) messages(ctx context.Context, roomID, userID string, afterID uint) (messages []Message, err error) {
	messages = make([]Message, 0)

	var dbMessages []models.SignalingMessage
	q := s.db.NewSelect().
		Model(&dbMessages).
		Where("room_id = ?", roomID).
		Where("user_id <> ?", userID).
		Order("created_at", "id")
	if afterID > 0 {
		q = q.Where("id > ?", afterID)
	}

	if err = q.Scan(ctx); err != nil {
		return
	}

	for _, dbMsg := range dbMessages {
		var msg Message
		msg.FromModel(dbMsg)
		messages = append(messages, msg)
	}

	return
}

// PostCandidate appends an ICE candidate to the room mailbox.
func (s *Service) PostCandidate(ctx context.Context, roomID, userID, candidate string) (cand Candidate, err error) {
	dbCand := models.IceCandidate{
		RoomID:    roomID,
		UserID:    userID,
		Candidate: candidate,
		Processed: false,
		CreatedAt: time.Now(),
	}

	_, err = s.db.NewInsert().
		Model(&dbCand).
		Exec(ctx)
	if err != nil {
		return
	}

	cand.FromModel(dbCand)
	return
}

// PollCandidates returns the peer's candidates not yet delivered to anyone
// and marks them processed in the same transaction. Delivery is
// at-least-once; applying a duplicate candidate is the receiver's problem
// and is harmless in WebRTC.
func (s *Service) PollCandidates(ctx context.Context, roomID, userID string) (candidates []Candidate, err error) {
	candidates = make([]Candidate, 0)

	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) (err error) {
		var dbCandidates []models.IceCandidate
		err = tx.NewSelect().
			Model(&dbCandidates).
			Where("room_id = ?", roomID).
			Where("user_id <> ?", userID).
			Where("processed = ?", false).
			Order("created_at", "id").
			Scan(ctx)
		if err != nil || len(dbCandidates) == 0 {
			return
		}

		ids := make([]uint, 0, len(dbCandidates))
		for _, dbCand := range dbCandidates {
			ids = append(ids, dbCand.ID)

			var cand Candidate
			cand.FromModel(dbCand)
			candidates = append(candidates, cand)
		}

		_, err = tx.NewUpdate().
			Model((*models.IceCandidate)(nil)).
			Set("processed = ?", true).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		return
	})
	if err != nil {
		candidates = make([]Candidate, 0)
	}

	return
}

// Clear removes every message and candidate stored for the room. Idempotent:
// clearing a room that has nothing stored succeeds.
func (s *Service) Clear(ctx context.Context, roomID string) (err error) {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) (err error) {
		_, err = tx.NewDelete().
			Model((*models.SignalingMessage)(nil)).
			Where("room_id = ?", roomID).
			Exec(ctx)
		if err != nil {
			return
		}

		_, err = tx.NewDelete().
			Model((*models.IceCandidate)(nil)).
			Where("room_id = ?", roomID).
			Exec(ctx)
		return
	})
}
