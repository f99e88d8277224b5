package main

import (
	"context"
	"fmt"

	"github.com/shutterpost/shutterpost/internal/config"
	"github.com/shutterpost/shutterpost/internal/webhook"
	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check that the configured webhook is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runTest(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client, err := webhook.New(webhook.Opts{URL: cfg.WebhookURL, Version: Version})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Testing %s\n", config.MaskURL(cfg.WebhookURL))
	name, err := client.TestConnection(context.Background())
	if err != nil {
		fmt.Fprintf(out, "Connection failed: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "Connected to webhook %q\n", name)
	return nil
}
