package models

import "time"

// TransferRecord is written once per screenshot confirmed delivered to the
// webhook. FileHash is the deduplication key; FilePath is informational but
// also unique so a re-detected path cannot be recorded twice.
type TransferRecord struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement"`
	Filename           string    `gorm:"size:255;not null;index"`
	FilePath           string    `gorm:"size:700;not null;uniqueIndex"`
	FileHash           string    `gorm:"size:64;not null;uniqueIndex"`
	FileSizeOriginal   int64     `gorm:"not null"`
	FileSizeCompressed *int64
	TransferredAt      time.Time `gorm:"not null;index"`
	DiscordMessageID   string    `gorm:"size:32"`
	DiscordThreadID    *string   `gorm:"size:32"`
	WasCompressed      bool      `gorm:"default:false"`
	CompressionRatio   *float64
}

// TableName keeps the table name stable across model renames.
func (TransferRecord) TableName() string { return "transferred_images" }
