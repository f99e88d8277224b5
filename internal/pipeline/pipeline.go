// Package pipeline turns a stabilized screenshot into exactly one terminal
// outcome: delivered, duplicate or failed.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/shutterpost/shutterpost/internal/compress"
	"github.com/shutterpost/shutterpost/internal/metrics"
	"github.com/shutterpost/shutterpost/internal/models"
	"github.com/shutterpost/shutterpost/internal/webhook"
)

// Status is the terminal state of one file.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// Outcome reports what happened to one file.
type Outcome struct {
	Filename  string
	Path      string
	Status    Status
	Message   string
	Err       error
	MessageID string
	ThreadID  string
	At        time.Time
}

// Success is true only for delivered files.
func (o Outcome) Success() bool { return o.Status == StatusDelivered }

// Store is the part of the history store the pipeline needs.
type Store interface {
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	AddRecord(ctx context.Context, rec *models.TransferRecord) (bool, error)
}

// Sender uploads a file.
type Sender interface {
	Send(ctx context.Context, u webhook.Upload) (*webhook.Result, error)
}

// ThreadResolver maps a capture time to a thread id.
type ThreadResolver interface {
	Resolve(ctx context.Context, t time.Time) (string, error)
}

// WorldLookup names the world a screenshot was taken in, or "".
type WorldLookup interface {
	Lookup(t time.Time) string
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	Store      Store
	Sender     Sender
	Compressor *compress.Compressor
	Threads    ThreadResolver   // nil disables monthly threads
	Worlds     WorldLookup      // optional
	Metrics    *metrics.Metrics // optional
}

// Pipeline processes one file at a time per call; calls may run
// concurrently.
type Pipeline struct {
	store      Store
	sender     Sender
	compressor *compress.Compressor
	threads    ThreadResolver
	worlds     WorldLookup
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("pipeline: sender is required")
	}
	c := opts.Compressor
	if c == nil {
		c = compress.New(compress.Opts{})
	}
	return &Pipeline{
		store:      opts.Store,
		sender:     opts.Sender,
		compressor: c,
		threads:    opts.Threads,
		worlds:     opts.Worlds,
		metrics:    opts.Metrics,
		now:        time.Now,
	}, nil
}

// Process hashes, deduplicates, compresses and delivers path, then records
// the delivery. It never returns an error; failures become StatusFailed.
func (p *Pipeline) Process(ctx context.Context, path string) (out Outcome) {
	out = Outcome{Filename: filepath.Base(path), Path: path}
	defer func() {
		out.At = p.now()
		p.metrics.RecordOutcome(string(out.Status))
	}()

	fail := func(err error) Outcome {
		out.Status = StatusFailed
		out.Err = err
		out.Message = err.Error()
		log.Printf("pipeline: %s failed: %v", out.Filename, err)
		return out
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Errorf("pipeline: stat: %w", err))
	}
	hash, err := HashFile(path)
	if err != nil {
		return fail(err)
	}
	dup, err := p.store.ExistsByHash(ctx, hash)
	if err != nil {
		return fail(fmt.Errorf("pipeline: dedup check: %w", err))
	}
	if dup {
		out.Status = StatusDuplicate
		out.Message = "already delivered"
		log.Printf("pipeline: %s already delivered (hash %s), skipping", out.Filename, hash[:12])
		return out
	}

	captured := CaptureTime(path, info.ModTime())
	threadID := p.resolveThread(ctx, out.Filename, captured)
	var world string
	if p.worlds != nil {
		world = p.worlds.Lookup(captured)
	}

	res := p.compressor.Process(path)
	if res.Compressed {
		defer compress.Cleanup(res.Path)
		p.metrics.RecordCompression(res.OriginalSize, res.FinalSize)
	}

	upload := webhook.Upload{
		Path:         res.Path,
		Name:         res.Name,
		OriginalSize: res.OriginalSize,
		ThreadID:     threadID,
		CapturedAt:   captured,
		World:        world,
	}
	if res.Compressed {
		upload.CompressedSize = res.FinalSize
	}

	p.metrics.DeliveryStarted()
	start := time.Now()
	sent, err := p.sender.Send(ctx, upload)
	p.metrics.DeliveryFinished()
	if err != nil {
		return fail(err)
	}
	p.metrics.RecordDelivery(sent.Attempts, sent.RateLimited, time.Since(start).Seconds())

	rec := &models.TransferRecord{
		Filename:         out.Filename,
		FilePath:         path,
		FileHash:         hash,
		FileSizeOriginal: res.OriginalSize,
		DiscordMessageID: sent.MessageID,
		WasCompressed:    res.Compressed,
	}
	if res.Compressed {
		size := res.FinalSize
		ratio := res.Ratio()
		rec.FileSizeCompressed = &size
		rec.CompressionRatio = &ratio
	}
	if threadID != "" {
		rec.DiscordThreadID = &threadID
	}
	if _, err := p.store.AddRecord(ctx, rec); err != nil {
		// The upload went out; only the bookkeeping failed.
		log.Printf("pipeline: record %s: %v", out.Filename, err)
	}

	out.Status = StatusDelivered
	out.MessageID = sent.MessageID
	out.ThreadID = threadID
	out.Message = "delivered"
	if res.Compressed {
		out.Message += fmt.Sprintf(" (compressed: %s → %s)", megabytes(res.OriginalSize), megabytes(res.FinalSize))
	}
	log.Printf("pipeline: %s %s", out.Filename, out.Message)
	return out
}

// resolveThread returns "" whenever grouping is off or fails.
func (p *Pipeline) resolveThread(ctx context.Context, name string, captured time.Time) string {
	if p.threads == nil {
		return ""
	}
	id, err := p.threads.Resolve(ctx, captured)
	switch {
	case err == nil:
		return id
	case errors.Is(err, webhook.ErrGroupingUnsupported):
		log.Printf("pipeline: webhook channel is not a forum, sending %s without a thread", name)
		p.metrics.RecordThreadError("unsupported")
	default:
		log.Printf("pipeline: thread for %s: %v, sending without a thread", name, err)
		p.metrics.RecordThreadError("error")
	}
	return ""
}

// HashFile returns the hex SHA-256 of the file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("pipeline: hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, 8*1024)); err != nil {
		return "", fmt.Errorf("pipeline: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var captureNameRe = regexp.MustCompile(`^[^_]+_(\d{4}-\d{2}-\d{2})_(\d{2}-\d{2}-\d{2})`)

// ParseCaptureTime reads the local capture time from a name such as
// VRChat_2026-02-01_18-45-30.960_3840x2160.png.
func ParseCaptureTime(name string) (time.Time, bool) {
	m := captureNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02 15-04-05", m[1]+" "+m[2], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CaptureTime is ParseCaptureTime with a fallback to modTime.
func CaptureTime(path string, modTime time.Time) time.Time {
	if t, ok := ParseCaptureTime(path); ok {
		return t
	}
	return modTime
}

func megabytes(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
}
