package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shutterpost/shutterpost/internal/config"
	"github.com/shutterpost/shutterpost/internal/webhook"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or edit the config file",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetWebhookCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, configPath, force)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigSetWebhookCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set-webhook",
		Short: "Store the Discord webhook URL",
		Long:  "Prompts for the webhook URL without echoing it and writes it to the config file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSetWebhook(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// readConfigFile returns the file contents, or nil when it does not exist.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return data, nil
}

func runConfigInit(cmd *cobra.Command, configPath string, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config: %s already exists (use --force to overwrite)", configPath)
	}
	if err := config.Default().Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", configPath)
	fmt.Fprintf(out, "Next: shutterpost config set-webhook -c %s\n", configPath)
	return nil
}

func runConfigSetWebhook(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	data, err := readConfigFile(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Decode(data)
	if err != nil {
		return err
	}

	url, err := readSecret(cmd, "Webhook URL: ")
	if err != nil {
		return fmt.Errorf("config: read webhook url: %w", err)
	}
	if _, err := webhook.New(webhook.Opts{URL: url}); err != nil {
		return err
	}
	cfg.WebhookURL = url
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Webhook set to %s in %s\n", config.MaskURL(url), configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	data, err := readConfigFile(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Decode(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "watch_dir:       %s\n", cfg.WatchDir)
	fmt.Fprintf(out, "webhook_url:     %s\n", config.MaskURL(cfg.WebhookURL))
	fmt.Fprintf(out, "threshold:       %g MB\n", cfg.CompressionThresholdMB)
	fmt.Fprintf(out, "monthly_threads: %t\n", cfg.MonthlyThreads)
	fmt.Fprintf(out, "database:        %s %s\n", cfg.Database.Driver, describeDatabase(cfg.Database))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "\nINVALID: %v\n", err)
	}
	return nil
}

// readSecret prompts on the command output and reads one line. Input from a
// terminal is not echoed.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	// Fall back to reading a line (for piped input).
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
