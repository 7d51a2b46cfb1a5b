package models

import (
	"time"

	"github.com/uptrace/bun"
)

type QueueStatus string

const (
	QueueStatusWaiting QueueStatus = "waiting"
	QueueStatusActive  QueueStatus = "active"
)

// QueueEntry is one row per user currently waiting for or participating in
// a call. Two entries share a RoomID once matched, each pointing at the
// other via MatchedUserID.
type QueueEntry struct {
	bun.BaseModel

	ID            uint `bun:",pk,autoincrement"`
	UserID        string
	RoomID        string
	Status        QueueStatus
	MatchedUserID string
	CreatedAt     time.Time
}
