// Package profile serves public profile summaries for matched partners.
// Profiles are maintained elsewhere; this service reads them, with an
// optional redis cache in front of the database.
package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/database/models"
)

const cacheTTL = 5 * time.Minute

// Summary is the partner-facing slice of a profile.
type Summary struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	City        string `json:"city"`
}

func (s *Summary) FromModel(p models.Profile) {
	s.UserID = p.UserID
	s.DisplayName = p.DisplayName
	s.AvatarURL = p.AvatarURL
	s.City = p.City
}

func NewService(db *bun.DB, cache *redis.Client) *Service {
	return &Service{
		db:    db,
		cache: cache,
	}
}

type Service struct {
	db    *bun.DB
	cache *redis.Client
}

// Lookup returns the summary for userID, or nil when no profile exists.
// A missing profile is a normal outcome, not an error. Cache failures fall
// through to the database.
func (s *Service) Lookup(ctx context.Context, userID string) (summary *Summary, err error) {
	key := "profile:" + userID

	if s.cache != nil {
		if cached, cacheErr := s.cache.Get(ctx, key).Result(); cacheErr == nil {
			summary = new(Summary)
			if json.Unmarshal([]byte(cached), summary) == nil {
				return
			}
			summary = nil
		}
	}

	var dbProfile models.Profile
	err = s.db.NewSelect().
		Model(&dbProfile).
		Where("user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return
	} else if err != nil {
		return
	}

	summary = new(Summary)
	summary.FromModel(dbProfile)

	if s.cache != nil {
		if data, marshalErr := json.Marshal(summary); marshalErr == nil {
			if cacheErr := s.cache.Set(ctx, key, data, cacheTTL).Err(); cacheErr != nil {
				zap.L().Debug("failed to cache profile", zap.String("user", userID), zap.Error(cacheErr))
			}
		}
	}

	return
}
