package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shutterpost/shutterpost/internal/compress"
	"github.com/shutterpost/shutterpost/internal/config"
	"github.com/shutterpost/shutterpost/internal/history"
	"github.com/shutterpost/shutterpost/internal/metrics"
	"github.com/shutterpost/shutterpost/internal/thread"
	"github.com/shutterpost/shutterpost/internal/vrclog"
	"github.com/shutterpost/shutterpost/internal/watcher"
	"github.com/shutterpost/shutterpost/internal/webhook"
)

// ErrNotRunning is returned by Stop on a stopped service.
var ErrNotRunning = errors.New("pipeline: not running")

// DefaultOutcomeBuffer is the outcome channel capacity.
const DefaultOutcomeBuffer = 64

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	Config        *config.Config
	Store         *history.Store
	Version       string           // shown in the embed footer
	Metrics       *metrics.Metrics // optional
	HTTPClient    *http.Client     // optional, for tests
	PollInterval  time.Duration    // stability poll interval, defaults to 1s
	MaxPolls      int              // stability poll budget, defaults to 30
	OutcomeBuffer int              // defaults to DefaultOutcomeBuffer
}

// Service wires the watcher to the pipeline and owns their lifecycle. The
// history store outlives restarts and reloads.
type Service struct {
	store      *history.Store
	version    string
	metrics    *metrics.Metrics
	httpClient *http.Client
	watcher    *watcher.Watcher
	outcomes   chan Outcome
	deliveries sync.WaitGroup

	mu       sync.Mutex
	cfg      *config.Config
	pipeline *Pipeline
	resolver *thread.Resolver
	stopCh   chan struct{}
}

// NewService builds every component from opts.Config.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	buf := opts.OutcomeBuffer
	if buf <= 0 {
		buf = DefaultOutcomeBuffer
	}
	s := &Service{
		store:      opts.Store,
		version:    opts.Version,
		metrics:    opts.Metrics,
		httpClient: opts.HTTPClient,
		outcomes:   make(chan Outcome, buf),
	}
	w, err := watcher.NewWatcher(watcher.WatcherOpts{
		Handler:      s.handle,
		PollInterval: opts.PollInterval,
		MaxPolls:     opts.MaxPolls,
	})
	if err != nil {
		return nil, err
	}
	s.watcher = w
	if err := s.apply(opts.Config); err != nil {
		return nil, err
	}
	return s, nil
}

// apply builds the pipeline for cfg and swaps it in.
func (s *Service) apply(cfg *config.Config) error {
	p, resolver, err := s.build(cfg)
	if err != nil {
		return err
	}
	s.install(cfg, p, resolver)
	return nil
}

// build creates the components for cfg without touching the running ones.
func (s *Service) build(cfg *config.Config) (*Pipeline, *thread.Resolver, error) {
	client, err := webhook.New(webhook.Opts{
		URL:         cfg.WebhookURL,
		Username:    cfg.Delivery.Username,
		Version:     s.version,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Timeout:     time.Duration(cfg.Delivery.TimeoutSec) * time.Second,
		HTTPClient:  s.httpClient,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: %w", err)
	}
	resolver := thread.NewResolver(s.store, client)

	opts := PipelineOpts{
		Store:      s.store,
		Sender:     client,
		Compressor: compress.New(compress.Opts{Threshold: cfg.ThresholdBytes()}),
		Metrics:    s.metrics,
	}
	if cfg.MonthlyThreads {
		opts.Threads = resolver
	}
	if cfg.VRChatLogDir != "" {
		opts.Worlds = vrclog.NewParser(cfg.VRChatLogDir)
	}
	p, err := NewPipeline(opts)
	if err != nil {
		return nil, nil, err
	}
	return p, resolver, nil
}

func (s *Service) install(cfg *config.Config, p *Pipeline, resolver *thread.Resolver) {
	s.mu.Lock()
	old := s.resolver
	s.cfg = cfg
	s.pipeline = p
	s.resolver = resolver
	s.mu.Unlock()
	if old != nil {
		old.ClearCache()
	}
}

// Start begins watching the configured directory. Cancelling ctx stops the
// watcher as Stop does.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	dir := s.cfg.WatchDir
	s.mu.Unlock()

	if err := s.watcher.Start(dir); err != nil {
		return err
	}
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.stopCh = stopCh
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop stops watching. Deliveries already started run to completion; use
// Wait to block on them. Stopping a stopped service is a no-op; the returned
// ErrNotRunning is informational and callers may ignore it.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()

	if !s.watcher.Running() {
		return ErrNotRunning
	}
	s.watcher.Stop()
	return nil
}

// Reload applies cfg: the pipeline is rebuilt, the thread cache cleared and
// a running watcher restarted against the new directory. History is kept.
// On error the previous configuration stays in effect and a running watcher
// keeps watching the previous directory.
func (s *Service) Reload(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("pipeline: reload: config is required")
	}
	p, resolver, err := s.build(cfg)
	if err != nil {
		return fmt.Errorf("pipeline: reload: %w", err)
	}

	if s.watcher.Running() {
		if info, err := os.Stat(cfg.WatchDir); err != nil || !info.IsDir() {
			return fmt.Errorf("pipeline: reload %s: %w", cfg.WatchDir, watcher.ErrNotFound)
		}
		oldDir := s.Config().WatchDir
		s.watcher.Stop()
		if err := s.watcher.Start(cfg.WatchDir); err != nil {
			if rerr := s.watcher.Start(oldDir); rerr != nil {
				log.Printf("pipeline: reload: restart %s: %v", oldDir, rerr)
			}
			return fmt.Errorf("pipeline: reload: %w", err)
		}
	}
	s.install(cfg, p, resolver)
	log.Printf("pipeline: configuration reloaded (watching %s)", cfg.WatchDir)
	return nil
}

// Wait blocks until pending stability checks and deliveries are done.
func (s *Service) Wait() {
	s.watcher.Wait()
	s.deliveries.Wait()
}

// Outcomes delivers Delivered and Failed outcomes. Duplicates are not sent.
// When the buffer is full new outcomes are logged and dropped.
func (s *Service) Outcomes() <-chan Outcome {
	return s.outcomes
}

// Running reports whether the watcher is active.
func (s *Service) Running() bool {
	return s.watcher.Running()
}

// Config returns the configuration in effect.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Store returns the history store.
func (s *Service) Store() *history.Store {
	return s.store
}

// Process runs one file through the current pipeline in the caller's
// goroutine and publishes the outcome.
func (s *Service) Process(ctx context.Context, path string) Outcome {
	s.mu.Lock()
	p := s.pipeline
	s.deliveries.Add(1)
	s.mu.Unlock()
	defer s.deliveries.Done()

	out := p.Process(ctx, path)
	s.publish(out)
	return out
}

// handle receives stabilized files from the watcher. Deliveries are
// detached from any service context so stopping never aborts one.
func (s *Service) handle(path string) {
	s.Process(context.Background(), path)
}

func (s *Service) publish(out Outcome) {
	if out.Status == StatusDuplicate {
		return
	}
	select {
	case s.outcomes <- out:
	default:
		log.Printf("pipeline: outcome buffer full, dropping %s outcome for %s", out.Status, out.Filename)
	}
}
