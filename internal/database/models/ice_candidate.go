package models

import (
	"time"

	"github.com/uptrace/bun"
)

// IceCandidate is a network-path hint exchanged during connection setup.
// Processed marks delivery so a candidate is not handed to the peer twice.
type IceCandidate struct {
	bun.BaseModel

	ID        uint `bun:",pk,autoincrement"`
	RoomID    string
	UserID    string
	Candidate string
	Processed bool
	CreatedAt time.Time
}
