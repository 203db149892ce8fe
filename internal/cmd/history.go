package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/patchsmith/internal/history"
)

// NewHistoryCommand creates the history subcommand
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Long: `List recent runs from the history database, newest first.

The database location comes from history.db_path in the config, defaulting
to ~/.patchsmith/history.db.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			configFlag, _ := cmd.Flags().GetString("config")
			return listHistory(configFlag, limit, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	cmd.Flags().String("config", "", "Path to patchsmith.yaml config file")

	return cmd
}

func listHistory(configFlag string, limit int, out io.Writer) error {
	cfg, _, err := loadRunConfig(configFlag, "")
	if err != nil {
		return err
	}

	store, err := history.NewStore(historyDBPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	runs, err := store.List(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	for _, run := range runs {
		fmt.Fprintf(out, "%s  %-6s  %-9s  %s  %s\n",
			run.CreatedAt.Local().Format("2006-01-02 15:04"),
			run.State,
			run.Runtime,
			run.Duration.Round(time.Second),
			truncatePrompt(run.Prompt, 60))
		if run.State == "Failed" && run.Reason != "" {
			fmt.Fprintf(out, "    reason: %s\n", truncatePrompt(run.Reason, 100))
		}
	}
	return nil
}

func truncatePrompt(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
