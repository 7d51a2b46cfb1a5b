// Package dbtest opens throwaway in-memory SQLite databases for tests, with
// the schema created from the bun models. The production queries run
// unchanged against a real SQL engine without needing a Postgres server.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/peercall-project/backend/internal/database/models"
)

var dbCounter int64

// NewDB returns a bun DB over a fresh in-memory database with all tables
// created. The database is torn down with the test.
func NewDB(t *testing.T) *bun.DB {
	t.Helper()

	// Unique shared-cache name per test so the memory database survives as
	// long as the pool holds a connection; a single connection keeps the
	// engine serialized the way Postgres row locks would.
	dsn := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))

	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.QueueEntry)(nil),
		(*models.SignalingMessage)(nil),
		(*models.IceCandidate)(nil),
		(*models.Profile)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).Exec(ctx); err != nil {
			t.Fatalf("failed to create table for %T: %v", model, err)
		}
	}

	return db
}
