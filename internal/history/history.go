// Package history is the durable record of delivered screenshots and of the
// per-month webhook threads. It is the authority for deduplication: a content
// hash present here has been delivered.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shutterpost/shutterpost/internal/config"
	"github.com/shutterpost/shutterpost/internal/db"
	"github.com/shutterpost/shutterpost/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultRecentLimit is how many records a status display needs.
const DefaultRecentLimit = 10

// Store wraps the history database. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database and creates missing tables.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, fmt.Errorf("history: open: %w", err)
	}
	return New(gormDB), nil
}

// New wraps an already migrated connection.
func New(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB, now: time.Now}
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error {
	return db.Close(s.db)
}

// AddRecord inserts a transfer record. It returns false without an error when
// the hash or path is already recorded; that is how two workers racing on the
// same content are resolved (the second delivery goes out but is not
// recorded). TransferredAt defaults to now.
func (s *Store) AddRecord(ctx context.Context, rec *models.TransferRecord) (bool, error) {
	if rec.TransferredAt.IsZero() {
		rec.TransferredAt = s.now().UTC()
	} else {
		rec.TransferredAt = rec.TransferredAt.UTC()
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		log.Printf("history: duplicate record for %s (hash %s), not recorded", rec.Filename, shortHash(rec.FileHash))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("history: add record %s: %w", rec.Filename, err)
	}
	return true, nil
}

// ExistsByHash reports whether content with this hash was already delivered.
func (s *Store) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, "file_hash = ?", hash)
}

// ExistsByPath reports whether a file at this path was already delivered.
func (s *Store) ExistsByPath(ctx context.Context, path string) (bool, error) {
	return s.exists(ctx, "file_path = ?", path)
}

func (s *Store) exists(ctx context.Context, query string, arg string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where(query, arg).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("history: exists: %w", err)
	}
	return count > 0, nil
}

// GetRecentRecords returns up to limit records, newest first.
func (s *Store) GetRecentRecords(ctx context.Context, limit int) ([]models.TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	var records []models.TransferRecord
	err := s.db.WithContext(ctx).
		Order("transferred_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("history: recent records: %w", err)
	}
	return records, nil
}

// GetTodayCount counts records delivered since local midnight.
func (s *Store) GetTodayCount(ctx context.Context) (int64, error) {
	now := s.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 0, 1)

	var count int64
	err := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("transferred_at >= ? AND transferred_at < ?", start.UTC(), end.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("history: today count: %w", err)
	}
	return count, nil
}

// GetTotalCount counts every record.
func (s *Store) GetTotalCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.TransferRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("history: total count: %w", err)
	}
	return count, nil
}

// ClearAll deletes every transfer record and every monthly thread.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.TransferRecord{}).Error; err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&models.MonthlyThread{}).Error; err != nil {
			return fmt.Errorf("delete threads: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	log.Printf("history: cleared all records")
	return nil
}

// GetThreadIDByMonth looks up the thread for a "2006-01" month key.
func (s *Store) GetThreadIDByMonth(ctx context.Context, month string) (string, bool, error) {
	var mt models.MonthlyThread
	err := s.db.WithContext(ctx).Where("month = ?", month).First(&mt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("history: thread for %s: %w", month, err)
	}
	return mt.ThreadID, true, nil
}

// SaveThreadID upserts the thread id for a month.
func (s *Store) SaveThreadID(ctx context.Context, month, threadID string) error {
	mt := models.MonthlyThread{
		Month:     month,
		ThreadID:  threadID,
		CreatedAt: s.now().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{"thread_id"}),
	}).Create(&mt)
	if result.Error != nil {
		return fmt.Errorf("history: save thread %s: %w", month, result.Error)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
