package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nikiv/ghost/internal/config"
	"github.com/nikiv/ghost/internal/journal"
	"github.com/nikiv/ghost/internal/rule"
)

var (
	historyRule  string
	historyTypes []string
	historySince time.Duration
	historyLimit int
)

func init() {
	flags := cmdHistory.Flags()
	flags.StringVar(&historyRule, "rule", "", "only show events of this rule name or id")
	flags.StringSliceVar(&historyTypes, "type", nil, "only show these event types (exec, exit, crash, kill, error, restart)")
	flags.DurationVar(&historySince, "since", 0, "only show events newer than this, e.g. 1h")
	flags.IntVarP(&historyLimit, "limit", "n", 50, "maximum number of events")

	rootCmd.AddCommand(cmdHistory)
}

var cmdHistory = &cobra.Command{
	Use:   "history",
	Short: "Show recent commands recorded by the daemon",
	Long:  `Reads the journal configured in the [journal] table, newest events first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.DeterminePath(configFlag)
		if err != nil {
			return fmt.Errorf("determine config path: %w", err)
		}
		cfg, err := config.Read(path)
		if err != nil {
			return err
		}
		if !cfg.Journal.Enabled {
			return fmt.Errorf("journal is disabled in %s", path)
		}
		if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
			return fmt.Errorf("no journal at %s", cfg.Journal.DBPath)
		}

		query := journal.Query{Rule: historyRule, Limit: historyLimit}
		for _, value := range historyTypes {
			typ := rule.EventType(strings.ToLower(strings.TrimSpace(value)))
			if !journal.Recorded[typ] {
				return fmt.Errorf("event type %q is not journaled", value)
			}
			query.Types = append(query.Types, typ)
		}
		if historySince > 0 {
			query.Since = time.Now().Add(-historySince)
		}

		j, err := journal.Open(cfg.Journal.DBPath, nil)
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := j.History(cmd.Context(), query)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stdout, "No events recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tRULE\tEVENT\tPID\tDETAIL")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				humanize.Time(entry.Time), entry.RuleName, entry.Type, formatPID(entry.PID), describe(entry))
		}
		return w.Flush()
	},
}

func formatPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func describe(entry journal.Entry) string {
	switch entry.Type {
	case rule.EventError:
		return entry.Error
	case rule.EventExit, rule.EventCrash:
		return fmt.Sprintf("code %d: %s", entry.ExitCode, entry.Command)
	case rule.EventRestart:
		return strings.Join(entry.Paths, ", ")
	default:
		return entry.Command
	}
}
