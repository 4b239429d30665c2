// Package archive persists finished missions to SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver. The archive is write-once history for the missions command; the
// mission loop never reads it, resumption goes through the checkpoint only.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/dawnyawn/internal/mission"
)

// Record is one archived mission row.
type Record struct {
	ID           string    `gorm:"primaryKey;type:text"`
	Goal         string    `gorm:"type:text;not null"`
	Outcome      string    `gorm:"type:text;not null"`
	Steps        int       `gorm:"not null"`
	FinalSummary string    `gorm:"type:text"`
	HistoryJSON  string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
}

// TableName keeps the table name stable across GORM versions.
func (Record) TableName() string { return "missions" }

// Store is the SQLite-backed mission archive.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the archive store, its parent directory, and its schema.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating archive schema: %w", err)
	}

	return &Store{db: db, logger: slogger}, nil
}

// SaveMission appends one finished mission.
func (s *Store) SaveMission(ctx context.Context, m *mission.Mission, outcome string) error {
	historyJSON, err := json.Marshal(m.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	rec := Record{
		ID:           uuid.NewString(),
		Goal:         m.Goal,
		Outcome:      outcome,
		Steps:        len(m.History),
		FinalSummary: m.FinalSummary(),
		HistoryJSON:  string(historyJSON),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("inserting mission record: %w", err)
	}

	s.logger.Debug("mission archived",
		slog.String("id", rec.ID),
		slog.String("outcome", outcome),
	)
	return nil
}

// ListMissions returns the most recent missions, newest first.
func (s *Store) ListMissions(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing missions: %w", err)
	}
	return records, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ mission.Archiver = (*Store)(nil)
