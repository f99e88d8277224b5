package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shutterpost/shutterpost/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the delivery history",
	}

	cmd.AddCommand(newHistoryListCmd())
	cmd.AddCommand(newHistoryStatsCmd())
	cmd.AddCommand(newHistoryClearCmd())
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deliveries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(cmd, configPath, limit)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultRecentLimit, "number of records to show")
	return cmd
}

func newHistoryStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show delivery counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryStats(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every delivery record and monthly thread mapping",
		Long: `Deletes all history. Screenshots already posted become eligible for
delivery again and a new thread is created for each month.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryClear(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

// openHistory opens the store named by the config file at path.
func openHistory(path string) (*history.Store, error) {
	cfg, err := loadDatabaseConfig(path)
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.Database)
}

func runHistoryList(cmd *cobra.Command, configPath string, limit int) error {
	out := cmd.OutOrStdout()

	store, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.GetRecentRecords(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No deliveries recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DELIVERED\tFILE\tSIZE\tTHREAD")
	for _, r := range records {
		thread := "-"
		if r.DiscordThreadID != nil {
			thread = *r.DiscordThreadID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.TransferredAt.Local().Format("2006-01-02 15:04:05"),
			r.Filename,
			formatRecordSize(r.FileSizeOriginal, r.FileSizeCompressed),
			thread)
	}
	return w.Flush()
}

func runHistoryStats(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	store, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	today, err := store.GetTodayCount(ctx)
	if err != nil {
		return err
	}
	total, err := store.GetTotalCount(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Delivered today: %s\n", formatCount(today))
	fmt.Fprintf(out, "Delivered total: %s\n", formatCount(total))
	return nil
}

func runHistoryClear(cmd *cobra.Command, configPath string, yes bool) error {
	out := cmd.OutOrStdout()

	store, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if !yes && !confirmClear(cmd) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}
	if err := store.ClearAll(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(out, "History cleared.")
	return nil
}

func confirmClear(cmd *cobra.Command) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintln(out, "WARNING: This will delete every delivery record and thread mapping.")
	fmt.Fprintln(out, "Previously posted screenshots will be posted again if they are re-detected.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
