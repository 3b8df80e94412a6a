// Package config reads the ghost TOML file and resolves every rule option
// once, through the chain rule value, then [defaults], then the component
// default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/launch"
	"github.com/nikiv/ghost/internal/logging"
	"github.com/nikiv/ghost/internal/rule"
	"github.com/nikiv/ghost/internal/terminate"
	"github.com/nikiv/ghost/internal/watch"
)

const (
	EnvVar           = "GHOST_CONFIG"
	defaultJournalDB = "~/.db/ghost/ghost.sqlite"
)

type rawConfig struct {
	Defaults rawOptions `toml:"defaults"`
	Rules    []rawRule  `toml:"rules"`
	Log      rawLog     `toml:"log"`
	Journal  rawJournal `toml:"journal"`
	Metrics  rawMetrics `toml:"metrics"`
}

// rawOptions are the keys shared by [defaults] and [[rules]].
type rawOptions struct {
	DebounceMs            *int64   `toml:"debounce_ms"`
	ThrottleMs            *int64   `toml:"throttle_ms"`
	ReglobMs              *int64   `toml:"reglob_ms"`
	Events                []string `toml:"events"`
	CombineEvents         *bool    `toml:"combine_events"`
	CheckMtime            *bool    `toml:"check_mtime"`
	CheckMD5              *bool    `toml:"check_md5"`
	ParallelLimit         *int     `toml:"parallel_limit"`
	WaitDone              *bool    `toml:"wait_done"`
	Restart               *bool    `toml:"restart"`
	RestartOnError        *bool    `toml:"restart_on_error"`
	RestartOnSuccess      *bool    `toml:"restart_on_success"`
	RestartDelayMs        *int64   `toml:"restart_delay_ms"`
	Shell                 any      `toml:"shell"`
	Stdio                 []string `toml:"stdio"`
	Kill                  *rawKill `toml:"kill"`
	Backend               *string  `toml:"backend"`
	DeleteCheckIntervalMs *int64   `toml:"delete_check_interval_ms"`
	DeleteCheckTimeoutMs  *int64   `toml:"delete_check_timeout_ms"`
}

type rawKill struct {
	Signals         []string `toml:"signals"`
	CheckIntervalMs *int64   `toml:"check_interval_ms"`
	RetryIntervalMs *int64   `toml:"retry_interval_ms"`
	RetryCount      *int     `toml:"retry_count"`
	TimeoutMs       *int64   `toml:"timeout_ms"`
}

type rawRule struct {
	rawOptions

	Name    string            `toml:"name"`
	Globs   any               `toml:"globs"`
	Command string            `toml:"command"`
	Cwd     string            `toml:"cwd"`
	Env     map[string]string `toml:"env"`
	PTY     *bool             `toml:"pty"`
	LogPath string            `toml:"log_path"`
}

type rawLog struct {
	Level      string `toml:"level"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type rawJournal struct {
	Enabled *bool  `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

type rawMetrics struct {
	Listen string `toml:"listen"`
}

// Config is a fully resolved configuration file.
type Config struct {
	Path    string
	Rules   []Rule
	Log     logging.Config
	Journal JournalConfig
	Metrics MetricsConfig
}

// Rule is one resolved [[rules]] entry. Globs are absolute.
type Rule struct {
	Globs   []string
	Command string
	Options rule.Options
}

type JournalConfig struct {
	Enabled bool
	DBPath  string
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string
}

// Read loads and resolves the file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return Config{}, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse resolves TOML data. Rules without a cwd run in baseDir.
func Parse(data []byte, baseDir string) (Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return normalizeConfig(raw, baseDir)
}

func normalizeConfig(raw rawConfig, baseDir string) (Config, error) {
	result := Config{Rules: make([]Rule, 0, len(raw.Rules))}

	seen := make(map[string]int, len(raw.Rules))
	for i, r := range raw.Rules {
		normalized, err := normalizeRule(r, i, raw.Defaults, baseDir)
		if err != nil {
			return Config{}, err
		}
		if prev, ok := seen[normalized.Options.Name]; ok {
			return Config{}, fmt.Errorf("rules[%d]: name %q already used by rules[%d]", i, normalized.Options.Name, prev)
		}
		seen[normalized.Options.Name] = i
		result.Rules = append(result.Rules, normalized)
	}

	logCfg, err := normalizeLog(raw.Log)
	if err != nil {
		return Config{}, err
	}
	result.Log = logCfg

	journal, err := normalizeJournal(raw.Journal)
	if err != nil {
		return Config{}, err
	}
	result.Journal = journal
	result.Metrics = MetricsConfig{Listen: strings.TrimSpace(raw.Metrics.Listen)}

	return result, nil
}

func normalizeRule(raw rawRule, index int, defaults rawOptions, baseDir string) (Rule, error) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = fmt.Sprintf("rule-%d", index+1)
	}

	command := strings.TrimSpace(raw.Command)
	if command == "" {
		return Rule{}, fmt.Errorf("rules[%d]: command must not be empty", index)
	}

	cwd := baseDir
	if str := strings.TrimSpace(raw.Cwd); str != "" {
		resolved, err := resolvePath(str)
		if err != nil {
			return Rule{}, fmt.Errorf("rules[%d]: resolve cwd: %w", index, err)
		}
		cwd = resolved
	}

	patterns, err := globList(raw.Globs)
	if err != nil {
		return Rule{}, fmt.Errorf("rules[%d]: invalid globs: %w", index, err)
	}
	if len(patterns) == 0 {
		return Rule{}, fmt.Errorf("rules[%d]: globs must not be empty", index)
	}
	globs := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		globs = append(globs, resolveGlob(pattern, cwd))
	}

	opts, err := resolveOptions(raw.rawOptions, defaults)
	if err != nil {
		return Rule{}, fmt.Errorf("rules[%d]: %w", index, err)
	}
	opts.Name = name
	opts.Cwd = cwd
	opts.PTY = choose(raw.PTY, nil, false)
	opts.Env = make(map[string]string, len(raw.Env))
	for key, value := range raw.Env {
		if key != "" {
			opts.Env[key] = value
		}
	}

	logPathInput := strings.TrimSpace(raw.LogPath)
	if logPathInput == "" && opts.Restart {
		logPathInput, err = defaultRuleLogPath(name)
		if err != nil {
			return Rule{}, fmt.Errorf("rules[%d]: %w", index, err)
		}
	}
	if logPathInput != "" {
		opts.LogPath, err = resolvePath(logPathInput)
		if err != nil {
			return Rule{}, fmt.Errorf("rules[%d]: resolve log path: %w", index, err)
		}
	}

	return Rule{Globs: globs, Command: command, Options: opts}, nil
}

// resolveOptions applies the precedence chain to every shared key.
func resolveOptions(raw, defaults rawOptions) (rule.Options, error) {
	opts := rule.DefaultOptions()

	opts.Debounce = chooseDuration(raw.DebounceMs, defaults.DebounceMs, opts.Debounce)
	opts.Throttle = chooseDuration(raw.ThrottleMs, defaults.ThrottleMs, opts.Throttle)
	opts.Reglob = chooseDuration(raw.ReglobMs, defaults.ReglobMs, opts.Reglob)
	if opts.Reglob <= 0 {
		opts.Reglob = watch.DefaultReglob
	}
	opts.CombineEvents = choose(raw.CombineEvents, defaults.CombineEvents, opts.CombineEvents)
	opts.CheckMtime = choose(raw.CheckMtime, defaults.CheckMtime, opts.CheckMtime)
	opts.CheckMD5 = choose(raw.CheckMD5, defaults.CheckMD5, opts.CheckMD5)
	opts.ParallelLimit = choose(raw.ParallelLimit, defaults.ParallelLimit, opts.ParallelLimit)
	if opts.ParallelLimit < 1 {
		return rule.Options{}, errors.New("parallel_limit must be at least 1")
	}
	opts.WaitDone = choose(raw.WaitDone, defaults.WaitDone, opts.WaitDone)
	opts.Restart = choose(raw.Restart, defaults.Restart, opts.Restart)
	opts.RestartOnError = choose(raw.RestartOnError, defaults.RestartOnError, opts.RestartOnError)
	opts.RestartOnSuccess = choose(raw.RestartOnSuccess, defaults.RestartOnSuccess, opts.RestartOnSuccess)
	opts.RestartDelay = chooseDuration(raw.RestartDelayMs, defaults.RestartDelayMs, opts.RestartDelay)
	opts.DeleteCheckInterval = chooseDuration(raw.DeleteCheckIntervalMs, defaults.DeleteCheckIntervalMs, opts.DeleteCheckInterval)
	opts.DeleteCheckTimeout = chooseDuration(raw.DeleteCheckTimeoutMs, defaults.DeleteCheckTimeoutMs, opts.DeleteCheckTimeout)

	events, err := normalizeEvents(raw.Events, defaults.Events)
	if err != nil {
		return rule.Options{}, err
	}
	if events != nil {
		opts.Events = events
	}

	shell := raw.Shell
	if shell == nil {
		shell = defaults.Shell
	}
	if opts.Shell, err = normalizeShell(shell, opts.Shell); err != nil {
		return rule.Options{}, err
	}

	stdio := raw.Stdio
	if stdio == nil {
		stdio = defaults.Stdio
	}
	if stdio != nil {
		if opts.Stdio, err = normalizeStdio(stdio); err != nil {
			return rule.Options{}, err
		}
	}

	backend := raw.Backend
	if backend == nil {
		backend = defaults.Backend
	}
	if backend != nil {
		name := strings.ToLower(strings.TrimSpace(*backend))
		if name != watch.BackendFsnotify && name != watch.BackendNotify {
			return rule.Options{}, fmt.Errorf("unknown backend %q", *backend)
		}
		opts.Backend = name
	}

	if opts.Kill, err = normalizeKill(raw.Kill, defaults.Kill); err != nil {
		return rule.Options{}, err
	}
	return opts, nil
}

func normalizeEvents(events, defaults []string) ([]change.Action, error) {
	source := events
	if len(source) == 0 {
		source = defaults
	}
	if len(source) == 0 {
		return nil, nil
	}

	result := make([]change.Action, 0, len(source))
	for _, event := range source {
		action, ok := change.ParseAction(event)
		if !ok {
			return nil, fmt.Errorf("unsupported event %q", event)
		}
		if !slices.Contains(result, action) {
			result = append(result, action)
		}
	}
	return result, nil
}

// normalizeShell accepts true (default shell), false (direct exec) or the
// path of a shell.
func normalizeShell(value any, fallback string) (string, error) {
	switch v := value.(type) {
	case nil:
		return fallback, nil
	case bool:
		if v {
			return launch.DefaultShell(), nil
		}
		return "", nil
	case string:
		if strings.TrimSpace(v) == "" {
			return "", errors.New("shell must not be empty")
		}
		return strings.TrimSpace(v), nil
	default:
		return "", errors.New("shell must be bool or string")
	}
}

func normalizeStdio(values []string) ([3]launch.StdioMode, error) {
	var modes [3]launch.StdioMode
	if len(values) != 3 {
		return modes, fmt.Errorf("stdio needs 3 entries, got %d", len(values))
	}
	for i, value := range values {
		mode, err := launch.ParseStdioMode(value)
		if err != nil {
			return modes, fmt.Errorf("stdio[%d]: %w", i, err)
		}
		modes[i] = mode
	}
	return modes, nil
}

func normalizeKill(raw, defaults *rawKill) (terminate.Policy, error) {
	policy := terminate.DefaultPolicy()
	if raw == nil {
		raw = &rawKill{}
	}
	if defaults == nil {
		defaults = &rawKill{}
	}

	signals := raw.Signals
	if len(signals) == 0 {
		signals = defaults.Signals
	}
	if len(signals) > 0 {
		parsed := make([]syscall.Signal, 0, len(signals))
		for _, name := range signals {
			sig, err := terminate.ParseSignal(name)
			if err != nil {
				return terminate.Policy{}, fmt.Errorf("kill.signals: %w", err)
			}
			parsed = append(parsed, sig)
		}
		policy.Signals = parsed
	}

	policy.CheckInterval = chooseDuration(raw.CheckIntervalMs, defaults.CheckIntervalMs, policy.CheckInterval)
	policy.RetryInterval = chooseDuration(raw.RetryIntervalMs, defaults.RetryIntervalMs, policy.RetryInterval)
	policy.RetryCount = choose(raw.RetryCount, defaults.RetryCount, policy.RetryCount)
	policy.Timeout = chooseDuration(raw.TimeoutMs, defaults.TimeoutMs, policy.Timeout)
	if policy.CheckInterval <= 0 {
		return terminate.Policy{}, errors.New("kill.check_interval_ms must be positive")
	}
	return policy, nil
}

func normalizeLog(raw rawLog) (logging.Config, error) {
	cfg := logging.Config{
		Level:      strings.TrimSpace(raw.Level),
		MaxSizeMB:  raw.MaxSizeMB,
		MaxBackups: raw.MaxBackups,
		MaxAgeDays: raw.MaxAgeDays,
	}
	if cfg.Level != "" {
		if _, err := logging.ParseLevel(cfg.Level); err != nil {
			return logging.Config{}, fmt.Errorf("log.level: %w", err)
		}
	}
	if strings.TrimSpace(raw.Path) != "" {
		path, err := resolvePath(raw.Path)
		if err != nil {
			return logging.Config{}, fmt.Errorf("log.path: %w", err)
		}
		cfg.Path = path
	}
	return cfg, nil
}

func normalizeJournal(raw rawJournal) (JournalConfig, error) {
	dbPathInput := strings.TrimSpace(raw.DBPath)
	enabled := choose(raw.Enabled, nil, dbPathInput != "")
	if dbPathInput == "" {
		dbPathInput = defaultJournalDB
	}
	dbPath, err := resolvePath(dbPathInput)
	if err != nil {
		return JournalConfig{}, fmt.Errorf("journal.db_path: %w", err)
	}
	return JournalConfig{Enabled: enabled, DBPath: dbPath}, nil
}

// DeterminePath picks the config file: flag, then $GHOST_CONFIG, then
// ~/.config/ghost/ghost.toml.
func DeterminePath(flag string) (string, error) {
	for _, candidate := range []string{flag, os.Getenv(EnvVar)} {
		if candidate = strings.TrimSpace(candidate); candidate == "" {
			continue
		}
		if !filepath.IsAbs(candidate) && !strings.HasPrefix(candidate, "~") {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", fmt.Errorf("resolve %s: %w", candidate, err)
			}
			return abs, nil
		}
		resolved, err := resolvePath(candidate)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", candidate, err)
		}
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ghost", "ghost.toml"), nil
}
