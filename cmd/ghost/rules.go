package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nikiv/ghost/internal/config"
)

func init() {
	rootCmd.AddCommand(cmdRules)
}

var cmdRules = &cobra.Command{
	Use:   "rules",
	Short: "List the rules of the config file",
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
		if len(cfg.Rules) == 0 {
			fmt.Fprintf(os.Stdout, "No rules in %s\n", path)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMODE\tDEBOUNCE\tGLOBS\tCOMMAND")
		for _, r := range cfg.Rules {
			mode := "exec"
			if r.Options.Restart {
				mode = "restart"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Options.Name, mode, r.Options.Debounce, strings.Join(r.Globs, " "), r.Command)
		}
		return w.Flush()
	},
}
