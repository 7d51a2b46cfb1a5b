package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/uptrace/bun"

	"github.com/peercall-project/backend/internal/database/dbtest"
	"github.com/peercall-project/backend/internal/database/models"
	"github.com/peercall-project/backend/internal/profile"
	"github.com/peercall-project/backend/internal/signaling"
)

func newTestService(t *testing.T) (*Service, *bun.DB) {
	t.Helper()

	db := dbtest.NewDB(t)
	relay := signaling.NewService(db)
	profiles := profile.NewService(db, nil)
	return NewService(db, profiles, relay), db
}

func countEntries(t *testing.T, db *bun.DB, userID string) int {
	t.Helper()

	n, err := db.NewSelect().
		Model((*models.QueueEntry)(nil)).
		Where("user_id = ?", userID).
		Count(context.Background())
	if err != nil {
		t.Fatalf("failed to count queue entries: %v", err)
	}
	return n
}

func TestJoinEnqueuesFirstCaller(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if res.Matched {
		t.Fatal("first caller should not be matched")
	}
	if res.RoomID == "" {
		t.Fatal("join must always return a room id")
	}

	status, err := svc.Status(ctx, res.RoomID, "u1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %q", status.Status)
	}
}

func TestJoinRejectsEmptyUser(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Join(context.Background(), ""); err != ErrMissingUser {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}

func TestSecondCallerMatchesOldestWaiter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("join u1 failed: %v", err)
	}

	second, err := svc.Join(ctx, "u2")
	if err != nil {
		t.Fatalf("join u2 failed: %v", err)
	}
	if !second.Matched {
		t.Fatal("second caller should be matched")
	}
	if second.RoomID != first.RoomID {
		t.Fatalf("matched pair must share a room: %q vs %q", second.RoomID, first.RoomID)
	}
	if second.PartnerID != "u1" {
		t.Fatalf("expected partner u1, got %q", second.PartnerID)
	}
}

func TestFIFOFairness(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Any second join matches the first waiter, so three users can never
	// wait simultaneously through Join alone. Seed the waiting rows in a,
	// b, c order the same way Join enqueues them.
	base := time.Now()
	for i, userID := range []string{"a", "b", "c"} {
		entry := models.QueueEntry{
			UserID:    userID,
			RoomID:    "room-" + userID,
			Status:    models.QueueStatusWaiting,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := db.NewInsert().Model(&entry).Exec(ctx); err != nil {
			t.Fatalf("failed to seed waiting entry: %v", err)
		}
	}

	res, err := svc.Join(ctx, "d")
	if err != nil {
		t.Fatalf("join d failed: %v", err)
	}
	if !res.Matched {
		t.Fatal("d should have matched")
	}
	if res.PartnerID != "a" {
		t.Fatalf("d must match the oldest waiter a, got %q", res.PartnerID)
	}

	// The next caller gets b, not c.
	res, err = svc.Join(ctx, "e")
	if err != nil {
		t.Fatalf("join e failed: %v", err)
	}
	if res.PartnerID != "b" {
		t.Fatalf("e must match the next oldest waiter b, got %q", res.PartnerID)
	}
}

func TestIdempotentRejoin(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Waiting rejoin: same room, still unmatched, one row.
	first, err := svc.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	again, err := svc.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if again.RoomID != first.RoomID {
		t.Fatalf("waiting rejoin returned a different room: %q vs %q", again.RoomID, first.RoomID)
	}
	if again.Matched {
		t.Fatal("waiting rejoin must not report a match")
	}
	if n := countEntries(t, db, "u1"); n != 1 {
		t.Fatalf("expected 1 entry for u1, got %d", n)
	}

	// Active rejoin: same room and partner, no duplicate entry.
	matched, err := svc.Join(ctx, "u2")
	if err != nil {
		t.Fatalf("join u2 failed: %v", err)
	}
	rejoined, err := svc.Join(ctx, "u2")
	if err != nil {
		t.Fatalf("rejoin u2 failed: %v", err)
	}
	if rejoined.RoomID != matched.RoomID {
		t.Fatalf("active rejoin returned a different room: %q vs %q", rejoined.RoomID, matched.RoomID)
	}
	if !rejoined.Matched || rejoined.PartnerID != "u1" {
		t.Fatalf("active rejoin lost the match: %+v", rejoined)
	}
	if n := countEntries(t, db, "u2"); n != 1 {
		t.Fatalf("expected 1 entry for u2, got %d", n)
	}
}

func TestNoDoubleMatch(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	const numUsers = 16

	var wg sync.WaitGroup
	errs := make(chan error, numUsers)
	for i := 0; i < numUsers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Join(ctx, fmt.Sprintf("user-%02d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent join failed: %v", err)
	}

	var entries []models.QueueEntry
	if err := db.NewSelect().Model(&entries).Scan(ctx); err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != numUsers {
		t.Fatalf("expected %d entries, got %d", numUsers, len(entries))
	}

	byRoom := make(map[string][]models.QueueEntry)
	byUser := make(map[string]int)
	for _, entry := range entries {
		byRoom[entry.RoomID] = append(byRoom[entry.RoomID], entry)
		byUser[entry.UserID]++
	}

	for userID, n := range byUser {
		if n != 1 {
			t.Fatalf("user %s holds %d entries, want 1", userID, n)
		}
	}

	for roomID, members := range byRoom {
		switch len(members) {
		case 1:
			if members[0].Status != models.QueueStatusWaiting {
				t.Fatalf("lone entry in room %s must be waiting, got %s", roomID, members[0].Status)
			}
		case 2:
			a, b := members[0], members[1]
			if a.Status != models.QueueStatusActive || b.Status != models.QueueStatusActive {
				t.Fatalf("room %s has a non-active member", roomID)
			}
			if a.UserID == b.UserID {
				t.Fatalf("room %s matched a user with themselves", roomID)
			}
			if a.MatchedUserID != b.UserID || b.MatchedUserID != a.UserID {
				t.Fatalf("room %s members are not reciprocal: %+v / %+v", roomID, a, b)
			}
		default:
			t.Fatalf("room %s has %d members", roomID, len(members))
		}
	}
}

func TestIdempotentLeave(t *testing.T) {
	svc, db := newTestService(t)
	relay := signaling.NewService(db)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "u1"); err != nil {
		t.Fatalf("join u1 failed: %v", err)
	}
	res, err := svc.Join(ctx, "u2")
	if err != nil {
		t.Fatalf("join u2 failed: %v", err)
	}

	if _, err := relay.PostMessage(ctx, res.RoomID, "u1", signaling.MessageTypeOffer, "sdp"); err != nil {
		t.Fatalf("post message failed: %v", err)
	}
	if _, err := relay.PostCandidate(ctx, res.RoomID, "u1", "candidate"); err != nil {
		t.Fatalf("post candidate failed: %v", err)
	}

	if err := svc.Leave(ctx, res.RoomID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if err := svc.Leave(ctx, res.RoomID); err != nil {
		t.Fatalf("second leave failed: %v", err)
	}
	if err := svc.Leave(ctx, "never-existed"); err != nil {
		t.Fatalf("leave on unknown room failed: %v", err)
	}

	for _, model := range []interface{}{
		(*models.QueueEntry)(nil),
		(*models.SignalingMessage)(nil),
		(*models.IceCandidate)(nil),
	} {
		n, err := db.NewSelect().Model(model).Where("room_id = ?", res.RoomID).Count(ctx)
		if err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if n != 0 {
			t.Fatalf("leave left %d residual rows for %T", n, model)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	status, err := svc.Status(ctx, res.RoomID, "u1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusWaiting {
		t.Fatalf("fresh entry must report waiting, got %q", status.Status)
	}

	if _, err := svc.Join(ctx, "u2"); err != nil {
		t.Fatalf("join u2 failed: %v", err)
	}

	status, err = svc.Status(ctx, res.RoomID, "u1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusActive {
		t.Fatalf("matched entry must report active, got %q", status.Status)
	}
	if status.PartnerID != "u2" {
		t.Fatalf("expected partner u2, got %q", status.PartnerID)
	}
}

func TestStatusIncludesPartnerProfile(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	partner := models.Profile{
		UserID:      "u1",
		DisplayName: "Ada",
		City:        "London",
	}
	if _, err := db.NewInsert().Model(&partner).Exec(ctx); err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}

	if _, err := svc.Join(ctx, "u1"); err != nil {
		t.Fatalf("join u1 failed: %v", err)
	}
	res, err := svc.Join(ctx, "u2")
	if err != nil {
		t.Fatalf("join u2 failed: %v", err)
	}
	if res.Partner == nil {
		t.Fatal("matched join should carry the partner profile")
	}
	if res.Partner.DisplayName != "Ada" || res.Partner.City != "London" {
		t.Fatalf("unexpected partner profile: %+v", res.Partner)
	}
}

func TestEndToEndScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("join u1 failed: %v", err)
	}
	if first.Matched {
		t.Fatal("u1 should be waiting")
	}

	second, err := svc.Join(ctx, "u2")
	if err != nil {
		t.Fatalf("join u2 failed: %v", err)
	}
	if !second.Matched || second.RoomID != first.RoomID || second.PartnerID != "u1" {
		t.Fatalf("unexpected match result: %+v", second)
	}

	status, err := svc.Status(ctx, first.RoomID, "u1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusActive || status.PartnerID != "u2" {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := svc.Leave(ctx, first.RoomID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	status, err = svc.Status(ctx, first.RoomID, "u1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusNotFound {
		t.Fatalf("expected not_found after leave, got %q", status.Status)
	}
}
