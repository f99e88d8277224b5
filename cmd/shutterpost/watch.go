package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shutterpost/shutterpost/internal/config"
	"github.com/shutterpost/shutterpost/internal/dashboard"
	"github.com/shutterpost/shutterpost/internal/history"
	"github.com/shutterpost/shutterpost/internal/metrics"
	"github.com/shutterpost/shutterpost/internal/pipeline"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the screenshot directory and deliver new images",
		Long: `Runs until interrupted. Every new image under the watch directory is
delivered once it stops growing. SIGHUP reloads the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runWatch(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := history.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	svc, err := pipeline.NewService(pipeline.ServiceOpts{
		Config:  cfg,
		Store:   store,
		Version: Version,
		Metrics: metrics.NewMetrics(reg),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching %s\n", cfg.WatchDir)
	fmt.Fprintf(out, "Webhook: %s\n", config.MaskURL(cfg.WebhookURL))

	hub := dashboard.NewHub()
	fwd := make(chan pipeline.Outcome, pipeline.DefaultOutcomeBuffer)
	go printOutcomes(ctx, out, svc.Outcomes(), fwd)
	go hub.Forward(ctx, fwd)

	if cfg.Status.Port > 0 {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Store:    store,
				Watch:    svc,
				Hub:      hub,
				Gatherer: reg,
				Port:     cfg.Status.Port,
				Out:      out,
			})
			if err != nil {
				log.Printf("watch: status server: %v", err)
			}
		}()
	}

	reporter, err := startReporter(cfg.Status.ReportCron, store, svc, out)
	if err != nil {
		return err
	}
	defer reporter.Stop()

	// Handle OS signals for graceful shutdown and reload.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadConfig(out, configPath, svc)
			continue
		}
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		break
	}

	svc.Stop()
	cancel()
	svc.Wait()
	return nil
}

// printOutcomes echoes each outcome and passes it on to fwd.
func printOutcomes(ctx context.Context, out io.Writer, outcomes <-chan pipeline.Outcome, fwd chan<- pipeline.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-outcomes:
			fmt.Fprintln(out, formatOutcome(o))
			select {
			case fwd <- o:
			default:
			}
		}
	}
}

func reloadConfig(out io.Writer, configPath string, svc *pipeline.Service) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("watch: reload: %v", err)
		return
	}
	if err := svc.Reload(cfg); err != nil {
		log.Printf("watch: reload: %v", err)
		return
	}
	fmt.Fprintf(out, "Reloaded %s, watching %s\n", configPath, cfg.WatchDir)
}
