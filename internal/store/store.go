// Package store provides typed access to the job and chunk records. All
// state-machine mutations go through the conditional transition helpers;
// their UPDATE ... WHERE status IN (...) shape is the subsystem's only
// concurrency-control primitive.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makeasinger/video-service/internal/config"
	"github.com/makeasinger/video-service/internal/model"
)

// ErrNotFound is returned when a referenced job or chunk does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the relational database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and runs migrations.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle (used by tests).
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the job, chunk and result tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Job{}, &model.Chunk{}, &model.VideoResult{})
}
