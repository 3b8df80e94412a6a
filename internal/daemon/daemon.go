// Package daemon runs the rules of a config file, replaces them whenever the
// file changes and feeds their events to the journal and metrics.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nikiv/ghost/internal/config"
	"github.com/nikiv/ghost/internal/journal"
	"github.com/nikiv/ghost/internal/logging"
	"github.com/nikiv/ghost/internal/manager"
	"github.com/nikiv/ghost/internal/metrics"
	"github.com/nikiv/ghost/internal/rule"
)

const (
	defaultDebounce    = 150 * time.Millisecond
	defaultStopTimeout = 30 * time.Second
)

type Daemon struct {
	configPath   string
	log          *zap.SugaredLogger
	manager      *manager.Manager
	metrics      *metrics.Metrics
	debounceTime time.Duration
	stopTimeout  time.Duration

	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
	reloadMu    sync.Mutex
	configFiles map[string]struct{}
	configDirs  map[string]struct{}

	journalMu  sync.RWMutex
	journal    *journal.Journal
	journalCfg config.JournalConfig

	metricsAddr   string
	metricsCancel context.CancelFunc
	metricsDone   chan struct{}
}

// New returns a daemon for the config file at configPath.
func New(configPath string, log *zap.SugaredLogger) *Daemon {
	if log == nil {
		log = logging.Nop()
	}
	d := &Daemon{
		configPath:   configPath,
		log:          log,
		manager:      manager.New(log),
		metrics:      metrics.New(),
		debounceTime: defaultDebounce,
		stopTimeout:  defaultStopTimeout,
	}
	d.manager.Observe(d.metrics.Observe)
	d.manager.Observe(d.record)
	d.manager.Observe(d.logEvent)
	return d
}

// Manager exposes the rule registry.
func (d *Daemon) Manager() *manager.Manager {
	return d.manager
}

// Start loads the config, starts its rules and watches the file.
func (d *Daemon) Start() error {
	if _, err := os.Stat(d.configPath); err != nil {
		return fmt.Errorf("config file not found at %s", d.configPath)
	}
	if err := d.reloadConfig(); err != nil {
		return err
	}
	return d.startConfigWatcher()
}

// Run starts the daemon and stops it once ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	d.log.Infof("ghost daemon watching %s", d.configPath)
	<-ctx.Done()
	d.Stop()
	return nil
}

// Stop ends the config watcher, every rule, the journal and the metrics
// endpoint.
func (d *Daemon) Stop() {
	if d.watcher != nil {
		_ = d.watcher.Close()
		if d.watcherDone != nil {
			<-d.watcherDone
			d.watcherDone = nil
		}
		d.watcher = nil
	}

	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.stopTimeout)
	defer cancel()
	if err := d.manager.StopAll(ctx); err != nil {
		d.log.Errorf("failed to stop rules: %v", err)
	}
	d.stopMetrics()
	d.applyJournal(config.JournalConfig{})
}

func (d *Daemon) reloadConfig() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	cfg, err := config.Read(d.configPath)
	if err != nil {
		return err
	}
	if err := d.applyJournal(cfg.Journal); err != nil {
		return err
	}
	d.applyMetrics(cfg.Metrics)
	d.applyRules(cfg)
	return nil
}

// applyRules replaces every rule with the ones in cfg.
func (d *Daemon) applyRules(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), d.stopTimeout)
	defer cancel()

	for _, info := range d.manager.Rules() {
		if err := d.manager.DeleteByID(ctx, info.ID); err != nil {
			d.log.Errorf("failed to stop rule %q: %v", info.Name, err)
		}
	}

	if len(cfg.Rules) == 0 {
		d.log.Infof("config contains no rules")
	}
	for _, r := range cfg.Rules {
		opts := r.Options
		opts.Logger = d.log
		if _, err := d.manager.CreateRule(r.Globs, opts, r.Command); err != nil {
			d.log.Errorf("failed to initialize rule %q: %v", opts.Name, err)
		}
	}
	if err := d.manager.StartAll(); err != nil {
		d.log.Errorf("failed to start rules: %v", err)
	}
	d.log.Infof("loaded %d rule(s)", d.manager.Len())
}

func (d *Daemon) applyJournal(cfg config.JournalConfig) error {
	d.journalMu.Lock()
	defer d.journalMu.Unlock()

	if cfg == d.journalCfg {
		return nil
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.log.Errorf("failed to close journal: %v", err)
		}
		d.journal = nil
	}
	d.journalCfg = config.JournalConfig{}
	if !cfg.Enabled {
		return nil
	}

	j, err := journal.Open(cfg.DBPath, d.log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.journal = j
	d.journalCfg = cfg
	d.log.Infof("journal recording to %s", cfg.DBPath)
	return nil
}

func (d *Daemon) record(event rule.Event) {
	d.journalMu.RLock()
	defer d.journalMu.RUnlock()
	if d.journal != nil {
		d.journal.Record(event)
	}
}

func (d *Daemon) applyMetrics(cfg config.MetricsConfig) {
	if cfg.Listen == d.metricsAddr {
		return
	}
	d.stopMetrics()
	if cfg.Listen == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.metricsAddr = cfg.Listen
	d.metricsCancel = cancel
	d.metricsDone = done

	go func() {
		defer close(done)
		if err := d.metrics.Serve(ctx, cfg.Listen); err != nil {
			d.log.Errorf("metrics endpoint on %s failed: %v", cfg.Listen, err)
		}
	}()
	d.log.Infof("serving metrics on %s", cfg.Listen)
}

func (d *Daemon) stopMetrics() {
	if d.metricsCancel == nil {
		return
	}
	d.metricsCancel()
	<-d.metricsDone
	d.metricsCancel = nil
	d.metricsDone = nil
	d.metricsAddr = ""
}

func (d *Daemon) logEvent(event rule.Event) {
	prefix := "ghost:" + event.Name
	switch event.Type {
	case rule.EventCreate, rule.EventChange, rule.EventDelete:
		d.log.Debugf("%s %s %s", prefix, event.Type, strings.Join(event.Files(), ", "))
	case rule.EventCrash:
		d.log.Errorf("%s command %q crashed with code %d", prefix, event.Command, event.ExitCode)
	}
}

func (d *Daemon) startConfigWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	d.watcher = watcher
	d.watcherDone = make(chan struct{})
	d.configFiles = make(map[string]struct{})
	d.configDirs = make(map[string]struct{})

	for _, path := range d.collectConfigPaths() {
		if err := watcher.Add(path); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch config path %s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			d.configDirs[path] = struct{}{}
		} else {
			d.configFiles[path] = struct{}{}
		}
	}

	go d.runConfigWatcher()
	return nil
}

func (d *Daemon) runConfigWatcher() {
	defer close(d.watcherDone)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !d.shouldReloadForEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.debounceTime)
				timerCh = timer.C
			} else {
				timer.Reset(d.debounceTime)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Errorf("config watcher error: %v", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := d.reloadConfig(); err != nil {
				d.log.Errorf("failed to reload config: %v", err)
			} else {
				d.log.Infof("reloaded config")
			}
		}
	}
}

func (d *Daemon) shouldReloadForEvent(event fsnotify.Event) bool {
	if event.Name == "" {
		return false
	}
	if _, ok := d.configFiles[event.Name]; ok {
		return true
	}
	dir := filepath.Dir(event.Name)
	if _, ok := d.configDirs[dir]; ok {
		if filepath.Join(dir, filepath.Base(d.configPath)) == event.Name {
			return true
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return filepath.Base(event.Name) == filepath.Base(d.configPath)
	}
	return false
}

func (d *Daemon) collectConfigPaths() []string {
	paths := make([]string, 0, 4)
	appendUniquePath(&paths, d.configPath)
	appendUniquePath(&paths, filepath.Dir(d.configPath))

	if resolved, err := filepath.EvalSymlinks(d.configPath); err == nil && resolved != "" && resolved != d.configPath {
		appendUniquePath(&paths, resolved)
		appendUniquePath(&paths, filepath.Dir(resolved))
	}
	return paths
}

func appendUniquePath(paths *[]string, candidate string) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return
	}
	for _, existing := range *paths {
		if existing == candidate {
			return
		}
	}
	*paths = append(*paths, candidate)
}
