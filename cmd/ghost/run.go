package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/config"
	"github.com/nikiv/ghost/internal/logging"
	"github.com/nikiv/ghost/internal/rule"
)

type runFlags struct {
	command          string
	name             string
	cwd              string
	debounce         time.Duration
	throttle         time.Duration
	reglob           time.Duration
	events           []string
	separate         bool
	md5              bool
	parallel         int
	noWait           bool
	restart          bool
	restartOnError   bool
	restartOnSuccess bool
	restartDelay     time.Duration
	shell            string
	noShell          bool
	pty              bool
	backend          string
	logPath          string
}

var runOpts runFlags

func init() {
	defaults := rule.DefaultOptions()
	flags := cmdRun.Flags()
	flags.StringVarP(&runOpts.command, "cmd", "x", "", "command to run; %file, %relFile, %files and %event are interpolated")
	flags.StringVar(&runOpts.name, "name", "", "rule name used in logs")
	flags.StringVar(&runOpts.cwd, "cwd", "", "working directory and glob root (default current directory)")
	flags.DurationVar(&runOpts.debounce, "debounce", defaults.Debounce, "quiet period before a change fires")
	flags.DurationVar(&runOpts.throttle, "throttle", 0, "minimum time between two firings")
	flags.DurationVar(&runOpts.reglob, "reglob", defaults.Reglob, "interval for rescanning the globs")
	flags.StringSliceVar(&runOpts.events, "events", nil, "actions that fire: create, change, delete (default all)")
	flags.BoolVar(&runOpts.separate, "separate", false, "fire once per path instead of combining changes")
	flags.BoolVar(&runOpts.md5, "md5", false, "ignore changes that leave the content hash unchanged")
	flags.IntVar(&runOpts.parallel, "parallel", defaults.ParallelLimit, "maximum concurrent commands, at least 1")
	flags.BoolVar(&runOpts.noWait, "no-wait", false, "queue changes to a path whose command is still running")
	flags.BoolVarP(&runOpts.restart, "restart", "r", false, "keep the command running and restart it on change")
	flags.BoolVar(&runOpts.restartOnError, "restart-on-error", false, "relaunch after a non-zero exit (restart mode)")
	flags.BoolVar(&runOpts.restartOnSuccess, "restart-on-success", false, "relaunch after a zero exit (restart mode)")
	flags.DurationVar(&runOpts.restartDelay, "restart-delay", defaults.RestartDelay, "wait before a policy relaunch")
	flags.StringVar(&runOpts.shell, "shell", defaults.Shell, "shell used to run the command")
	flags.BoolVar(&runOpts.noShell, "no-shell", false, "run the command directly instead of through a shell")
	flags.BoolVar(&runOpts.pty, "pty", false, "run the command on a pseudo terminal")
	flags.StringVar(&runOpts.backend, "backend", defaults.Backend, "watch backend: fsnotify or notify")
	flags.StringVar(&runOpts.logPath, "log-path", "", "also write command output to this file")
	_ = cmdRun.MarkFlagRequired("cmd")

	rootCmd.AddCommand(cmdRun)
}

var cmdRun = &cobra.Command{
	Use:   "run [flags] GLOB...",
	Short: "Run a single rule without a config file",
	Long: `Watches the given globs and runs --cmd when they change. Patterns starting
with "!" exclude paths. Stops on SIGINT or SIGTERM.`,
	Example: `  ghost run -x 'go test ./...' '**/*.go' '!vendor/'
  ghost run -r -x 'go run ./cmd/server' 'cmd/**/*.go' 'internal/**/*.go'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closeLog, err := newLogger(logging.Config{Level: "info"})
		if err != nil {
			return err
		}
		defer closeLog()

		opts, globs, err := runOpts.options(args)
		if err != nil {
			return err
		}
		opts.Logger = log

		r, err := rule.New(globs, opts, runOpts.command)
		if err != nil {
			return err
		}
		r.On(rule.EventCrash, func(event rule.Event) {
			log.Errorf("ghost:%s command %q crashed with code %d", event.Name, event.Command, event.ExitCode)
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := r.Start(); err != nil {
			return err
		}
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Stop(stopCtx); err != nil && !errors.Is(err, rule.ErrNotRunning) {
			return fmt.Errorf("stop: %w", err)
		}
		return nil
	},
}

// options resolves the flags into rule options and anchored globs.
func (f runFlags) options(args []string) (rule.Options, []string, error) {
	opts := rule.DefaultOptions()

	cwd := f.cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return opts, nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cwd = wd
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return opts, nil, fmt.Errorf("resolve %s: %w", f.cwd, err)
	}
	opts.Cwd = cwd

	if len(f.events) > 0 {
		opts.Events = opts.Events[:0]
		for _, value := range f.events {
			action, ok := change.ParseAction(value)
			if !ok {
				return opts, nil, fmt.Errorf("unsupported event %q", value)
			}
			opts.Events = append(opts.Events, action)
		}
	}
	if f.parallel < 1 {
		return opts, nil, errors.New("--parallel must be at least 1")
	}
	if f.restart && f.parallel != 1 {
		return opts, nil, errors.New("--parallel does not apply to restart mode")
	}

	opts.Name = strings.TrimSpace(f.name)
	opts.Debounce = f.debounce
	opts.Throttle = f.throttle
	opts.Reglob = f.reglob
	opts.CombineEvents = !f.separate
	opts.CheckMD5 = f.md5
	opts.ParallelLimit = f.parallel
	opts.WaitDone = !f.noWait
	opts.Restart = f.restart
	opts.RestartOnError = f.restartOnError
	opts.RestartOnSuccess = f.restartOnSuccess
	opts.RestartDelay = f.restartDelay
	opts.Shell = f.shell
	if f.noShell {
		opts.Shell = ""
	}
	opts.PTY = f.pty
	opts.Backend = f.backend
	opts.LogPath = f.logPath

	return opts, config.AnchorGlobs(args, cwd), nil
}
