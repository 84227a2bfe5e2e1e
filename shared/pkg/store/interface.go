package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tfbench/tf-bench-util/pkg/models"
)

var (
	ErrRunNotFound         = errors.New("run not found")
	ErrRunExists           = errors.New("run already exists")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrNotTerminal         = errors.New("run status is not terminal")
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Kind  string
	Limit int
}

// Store persists launch history.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, id string, status models.RunStatus, exitCode int, endedAt time.Time, errMsg string) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// ListRuns returns runs newest first
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
	// DeleteRunsBefore removes finished runs started before cutoff and
	// returns how many were removed. Running launches are kept.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ParseDSN turns a history DSN into a Config. Accepted forms:
//
//	""                     in-memory
//	memory://
//	sqlite:///path/to.db   (or sqlite://relative.db, or a bare *.db path)
//	postgres://... / postgresql://...
func ParseDSN(dsn string) (Config, error) {
	switch {
	case dsn == "" || dsn == "memory://":
		return Config{Type: "memory"}, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return Config{Type: "sqlite", DSN: strings.TrimPrefix(dsn, "sqlite://")}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Config{Type: "postgres", DSN: dsn}, nil
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return Config{Type: "sqlite", DSN: dsn}, nil
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedDatabase, dsn)
	}
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(config.DSN)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDatabase, config.Type)
	}
}

// Open parses dsn and opens the matching store
func Open(dsn string) (Store, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewStore(cfg)
}
