package main

import (
	"fmt"
	"strings"

	"github.com/shutterpost/shutterpost/internal/pipeline"
	"github.com/shutterpost/shutterpost/internal/webhook"
)

// formatCount formats an integer with comma separators (e.g. 45230 -> "45,230").
func formatCount(n int64) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var b strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		b.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// formatOutcome renders one outcome as a status line.
func formatOutcome(out pipeline.Outcome) string {
	mark := "✓"
	switch out.Status {
	case pipeline.StatusDuplicate:
		mark = "="
	case pipeline.StatusFailed:
		mark = "✗"
	}
	return fmt.Sprintf("%s %s: %s", mark, out.Filename, out.Message)
}

// formatRecordSize shows the original size, and the upload size when the
// file was compressed.
func formatRecordSize(original int64, compressed *int64) string {
	if compressed == nil {
		return webhook.FormatSize(original)
	}
	return webhook.FormatSize(original) + " → " + webhook.FormatSize(*compressed)
}
