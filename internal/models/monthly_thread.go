package models

import "time"

// MonthlyThread maps a calendar month ("2006-01") to the webhook thread that
// groups every screenshot captured in that month.
type MonthlyThread struct {
	Month     string `gorm:"primaryKey;size:7"`
	ThreadID  string `gorm:"size:32;not null"`
	CreatedAt time.Time
}

// TableName keeps the table name stable across model renames.
func (MonthlyThread) TableName() string { return "monthly_threads" }
