// Package db persists per-resource identity key pairs in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/keys.db",
		MaxOpenConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

//go:embed schema.sql
var ddl string

// Store owns the database handle.
type Store struct {
	db     *sql.DB
	logger *applogger.Logger
}

// NewStore opens the database at config.Path and applies the schema.
func NewStore(config *Config, logger *applogger.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewStoreFromDB(db, logger)
	if err := store.SetupSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewStoreFromDB wraps an existing connection. Useful for testing.
func NewStoreFromDB(db *sql.DB, logger *applogger.Logger) *Store {
	return &Store{db: db, logger: logger.WithComponent("db")}
}

// SetupSchema creates missing tables.
func (s *Store) SetupSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to setup database schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
