package rule

import (
	"time"

	"go.uber.org/zap"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/launch"
	"github.com/nikiv/ghost/internal/supervise"
	"github.com/nikiv/ghost/internal/terminate"
	"github.com/nikiv/ghost/internal/watch"
)

const DefaultDebounce = 400 * time.Millisecond

// Options is the fully resolved configuration of one rule. Start from
// DefaultOptions and override fields; zero values are not defaults.
type Options struct {
	Name string

	Debounce      time.Duration
	Throttle      time.Duration
	Reglob        time.Duration
	Events        []change.Action
	CombineEvents bool
	CheckMtime    bool
	CheckMD5      bool

	Backend             string
	DeleteCheckInterval time.Duration
	DeleteCheckTimeout  time.Duration

	ParallelLimit int
	WaitDone      bool

	Restart          bool
	RestartOnError   bool
	RestartOnSuccess bool
	RestartDelay     time.Duration

	// Shell is the shell executable; empty runs the command directly.
	Shell string
	Stdio [3]launch.StdioMode
	Kill  terminate.Policy

	Cwd     string
	Env     map[string]string
	PTY     bool
	LogPath string

	Logger *zap.SugaredLogger
}

// DefaultOptions returns the component defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:            DefaultDebounce,
		Reglob:              watch.DefaultReglob,
		Events:              append([]change.Action(nil), change.AllActions...),
		CombineEvents:       true,
		CheckMtime:          true,
		Backend:             watch.BackendFsnotify,
		DeleteCheckInterval: watch.DefaultDeleteCheckInterval,
		DeleteCheckTimeout:  watch.DefaultDeleteCheckTimeout,
		ParallelLimit:       1,
		WaitDone:            true,
		RestartDelay:        supervise.DefaultRestartDelay,
		Shell:               launch.DefaultShell(),
		Stdio:               [3]launch.StdioMode{launch.Inherit, launch.Inherit, launch.Inherit},
		Kill:                terminate.DefaultPolicy(),
	}
}
