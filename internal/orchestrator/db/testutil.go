package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// NewTestStore creates a fresh in-memory SQLite store for a test.
func NewTestStore(t *testing.T) *Store {
	t.Helper()

	// Named per test so shared-cache connections see the same database
	// without leaking state between tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	store := NewStoreFromDB(db, applogger.NewNop())
	if err := store.SetupSchema(context.Background()); err != nil {
		db.Close()
		t.Fatalf("failed to setup test database schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return store
}
