// Package matchmaking pairs two otherwise-unconnected callers into a shared
// call room. The waiting queue lives in the database as one row per user;
// pairing claims the oldest waiting row with a conditional update so two
// concurrent joins can never match against the same waiter.
package matchmaking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/database/models"
	"github.com/peercall-project/backend/internal/profile"
	"github.com/peercall-project/backend/internal/signaling"
)

var ErrMissingUser = errors.New("matchmaking: user id is required")

type Status string

const (
	StatusNotFound Status = "not_found"
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
)

// JoinResult is the outcome of a join attempt. RoomID is always set on
// success; PartnerID and Partner are set only when Matched.
type JoinResult struct {
	RoomID    string
	Matched   bool
	PartnerID string
	Partner   *profile.Summary
}

// StatusResult reports where a room participant currently stands.
type StatusResult struct {
	Status    Status
	PartnerID string
	Partner   *profile.Summary
}

func NewService(db *bun.DB, profiles *profile.Service, relay *signaling.Service) *Service {
	return &Service{
		db:       db,
		profiles: profiles,
		relay:    relay,
	}
}

type Service struct {
	db       *bun.DB
	profiles *profile.Service
	relay    *signaling.Service
}

// Join matches userID with the oldest waiting caller, or enqueues them as a
// new waiter when nobody is waiting. Calling Join again while an entry for
// the user still exists returns the same room instead of creating a second
// entry, so client retries and reloads are safe.
func (s *Service) Join(ctx context.Context, userID string) (res JoinResult, err error) {
	if userID == "" {
		err = ErrMissingUser
		return
	}

	now := time.Now()

	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) (err error) {
		// Idempotent rejoin: one live entry per user, waiting or active.
		existing := new(models.QueueEntry)
		err = tx.NewSelect().
			Model(existing).
			Where("user_id = ?", userID).
			Order("created_at DESC", "id DESC").
			Limit(1).
			Scan(ctx)
		if err == nil {
			res.RoomID = existing.RoomID
			if existing.Status == models.QueueStatusActive {
				res.Matched = true
				res.PartnerID = existing.MatchedUserID
			}
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			return
		}
		err = nil

		var claimed *models.QueueEntry
		if claimed, err = s.claimOldestWaiting(ctx, tx, userID); err != nil {
			return
		}

		if claimed != nil {
			entry := models.QueueEntry{
				UserID:        userID,
				RoomID:        claimed.RoomID,
				Status:        models.QueueStatusActive,
				MatchedUserID: claimed.UserID,
				CreatedAt:     now,
			}

			_, err = tx.NewInsert().
				Model(&entry).
				Exec(ctx)
			if err != nil {
				return
			}

			res.RoomID = claimed.RoomID
			res.Matched = true
			res.PartnerID = claimed.UserID
			return
		}

		// Nobody waiting: open a fresh room and wait in it.
		entry := models.QueueEntry{
			UserID:    userID,
			RoomID:    uuid.New().String(),
			Status:    models.QueueStatusWaiting,
			CreatedAt: now,
		}

		_, err = tx.NewInsert().
			Model(&entry).
			Exec(ctx)
		if err != nil {
			return
		}

		res.RoomID = entry.RoomID
		return
	})
	if err != nil {
		res = JoinResult{}
		return
	}

	res.Partner = s.lookupPartner(ctx, res.PartnerID)
	return
}

// claimOldestWaiting flips the oldest waiting entry of another user to
// active, pointing it at userID. The update only applies while the row is
// still waiting, so of two concurrent joins racing for the same waiter
// exactly one wins; the loser moves on to the next oldest row. Returns nil
// when the queue has no eligible waiter.
func (s *Service) claimOldestWaiting(ctx context.Context, tx bun.Tx, userID string) (claimed *models.QueueEntry, err error) {
	for {
		oldest := new(models.QueueEntry)
		err = tx.NewSelect().
			Model(oldest).
			Where("status = ?", models.QueueStatusWaiting).
			Where("user_id <> ?", userID).
			Order("created_at", "id").
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			return
		} else if err != nil {
			return
		}

		var result sql.Result
		result, err = tx.NewUpdate().
			Model((*models.QueueEntry)(nil)).
			Set("status = ?", models.QueueStatusActive).
			Set("matched_user_id = ?", userID).
			Where("id = ?", oldest.ID).
			Where("status = ?", models.QueueStatusWaiting).
			Exec(ctx)
		if err != nil {
			return
		}

		var affected int64
		if affected, err = result.RowsAffected(); err != nil {
			return
		}

		if affected == 1 {
			oldest.Status = models.QueueStatusActive
			oldest.MatchedUserID = userID
			claimed = oldest
			return
		}

		// Lost the claim race: the row was taken between the select and
		// the conditional update. Try the next oldest waiter.
	}
}

// Status reports the caller's standing in a room. Pure read, safe to poll
// at sub-second intervals. An unknown room+user combination is a normal
// not_found outcome, not an error.
func (s *Service) Status(ctx context.Context, roomID, userID string) (res StatusResult, err error) {
	entry := new(models.QueueEntry)
	err = s.db.NewSelect().
		Model(entry).
		Where("room_id = ?", roomID).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		res.Status = StatusNotFound
		err = nil
		return
	} else if err != nil {
		return
	}

	if entry.Status != models.QueueStatusActive {
		res.Status = StatusWaiting
		return
	}

	res.Status = StatusActive
	res.PartnerID = entry.MatchedUserID
	res.Partner = s.lookupPartner(ctx, res.PartnerID)
	return
}

// Leave tears down the room: queue entries first, then the signaling
// mailbox. Idempotent; leaving a room that never existed succeeds.
func (s *Service) Leave(ctx context.Context, roomID string) (err error) {
	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) (err error) {
		_, err = tx.NewDelete().
			Model((*models.QueueEntry)(nil)).
			Where("room_id = ?", roomID).
			Exec(ctx)
		return
	})
	if err != nil {
		return
	}

	if s.relay != nil {
		err = s.relay.Clear(ctx, roomID)
	}
	return
}

// A partner without a profile row is still a valid match, and a transient
// profile read failure must not fail the join itself.
func (s *Service) lookupPartner(ctx context.Context, partnerID string) *profile.Summary {
	if partnerID == "" || s.profiles == nil {
		return nil
	}

	summary, err := s.profiles.Lookup(ctx, partnerID)
	if err != nil {
		zap.L().Warn("partner profile lookup failed", zap.String("partner", partnerID), zap.Error(err))
		return nil
	}
	return summary
}
