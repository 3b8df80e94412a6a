// Command ghost runs commands when files change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nikiv/ghost/internal/config"
	"github.com/nikiv/ghost/internal/daemon"
)

var (
	configFlag string
	levelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "ghost",
	Short: "run commands when files change",
	Long: `ghost watches the rules of its config file and runs their commands when
matching files are created, changed or deleted. Rules either run a command per
change or keep a long running command alive and restart it on change.

The config file is read from --config, then $GHOST_CONFIG, then
~/.config/ghost/ghost.toml, and reloaded whenever it changes.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.DeterminePath(configFlag)
		if err != nil {
			return fmt.Errorf("determine config path: %w", err)
		}
		cfg, err := config.Read(path)
		if err != nil {
			return err
		}

		log, closeLog, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := daemon.New(path, log).Run(ctx); err != nil {
			log.Errorf("failed to start daemon: %v", err)
			return err
		}
		log.Infof("shutting down")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "override the configured log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
