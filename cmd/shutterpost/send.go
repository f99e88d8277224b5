package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shutterpost/shutterpost/internal/config"
	"github.com/shutterpost/shutterpost/internal/history"
	"github.com/shutterpost/shutterpost/internal/pipeline"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "send <file>...",
		Short: "Deliver files once through the full pipeline",
		Long:  "Hashes, deduplicates, compresses and posts each file, then exits. Files already delivered are skipped.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, args)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSend(cmd *cobra.Command, configPath string, files []string) error {
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

	svc, err := pipeline.NewService(pipeline.ServiceOpts{
		Config:        cfg,
		Store:         store,
		Version:       Version,
		OutcomeBuffer: len(files),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var delivered, duplicate, failed int
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		o := svc.Process(ctx, path)
		fmt.Fprintln(out, formatOutcome(o))
		switch o.Status {
		case pipeline.StatusDelivered:
			delivered++
		case pipeline.StatusDuplicate:
			duplicate++
		default:
			failed++
		}
	}

	fmt.Fprintf(out, "\n%d delivered, %d duplicate, %d failed\n", delivered, duplicate, failed)
	if failed > 0 {
		return fmt.Errorf("send: %d of %d files failed", failed, len(files))
	}
	return nil
}
