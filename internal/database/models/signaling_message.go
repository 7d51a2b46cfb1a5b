package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SignalingMessage is an offer or answer stored for the peer of UserID to
// pick up while the two sides negotiate a direct connection.
type SignalingMessage struct {
	bun.BaseModel

	ID        uint `bun:",pk,autoincrement"`
	RoomID    string
	UserID    string
	Type      string
	Payload   string
	CreatedAt time.Time
}
