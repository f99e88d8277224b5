package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/shutterpost/shutterpost/internal/history"
	"github.com/shutterpost/shutterpost/internal/models"
)

// MaxRecent caps /api/recent.
const MaxRecent = history.DefaultRecentLimit

// Counter is the part of the history store the status server reads.
type Counter interface {
	GetTodayCount(ctx context.Context) (int64, error)
	GetTotalCount(ctx context.Context) (int64, error)
	GetRecentRecords(ctx context.Context, limit int) ([]models.TransferRecord, error)
}

// StatusRow is the /api/status payload.
type StatusRow struct {
	Today    int64  `json:"today"`
	Total    int64  `json:"total"`
	Watching bool   `json:"watching"`
	WatchDir string `json:"watch_dir"`
}

// StatusSummary reads the delivery counters. Watch state is left to the caller.
func StatusSummary(ctx context.Context, store Counter) (StatusRow, error) {
	today, err := store.GetTodayCount(ctx)
	if err != nil {
		return StatusRow{}, err
	}
	total, err := store.GetTotalCount(ctx)
	if err != nil {
		return StatusRow{}, err
	}
	return StatusRow{Today: today, Total: total}, nil
}

// RecentRow holds one delivered screenshot for display.
type RecentRow struct {
	Filename       string    `json:"filename"`
	TransferredAt  time.Time `json:"transferred_at"`
	Age            string    `json:"age"`
	SizeOriginal   int64     `json:"size_original"`
	SizeCompressed *int64    `json:"size_compressed,omitempty"`
	WasCompressed  bool      `json:"was_compressed"`
	ThreadID       string    `json:"thread_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
}

// RecentDeliveries returns up to limit deliveries, newest first.
func RecentDeliveries(ctx context.Context, store Counter, limit int) ([]RecentRow, error) {
	records, err := store.GetRecentRecords(ctx, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]RecentRow, len(records))
	for i, r := range records {
		rows[i] = RecentRow{
			Filename:       r.Filename,
			TransferredAt:  r.TransferredAt,
			Age:            TimeAgo(r.TransferredAt),
			SizeOriginal:   r.FileSizeOriginal,
			SizeCompressed: r.FileSizeCompressed,
			WasCompressed:  r.WasCompressed,
			MessageID:      r.DiscordMessageID,
		}
		if r.DiscordThreadID != nil {
			rows[i].ThreadID = *r.DiscordThreadID
		}
	}
	return rows, nil
}

// TimeAgo formats t relative to now, e.g. "5m ago". The zero time renders as a dash.
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return formatDuration(time.Since(t)) + " ago"
}

// formatDuration formats a duration as a human-readable string like "2h 15m".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
