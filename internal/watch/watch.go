// Package watch keeps one OS watch per file matched by a glob set, plus one
// per directory that can receive new matches, and turns raw notifications
// into create, change and delete actions.
//
// A Set belongs to a reactor.Loop. Start and Close must be called from the
// loop; notifications are posted to it by a helper goroutine.
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/glob"
	"github.com/nikiv/ghost/internal/reactor"
)

const (
	DefaultReglob              = 2 * time.Second
	DefaultDeleteCheckInterval = 50 * time.Millisecond
	DefaultDeleteCheckTimeout  = 300 * time.Millisecond
)

// Config describes one watch set.
type Config struct {
	Patterns            []string
	Reglob              time.Duration
	CheckMtime          bool
	CheckMD5            bool
	DeleteCheckInterval time.Duration
	DeleteCheckTimeout  time.Duration
	Backend             string
}

// Handlers receive the output of a Set on its loop.
type Handlers struct {
	Event func(path string, action change.Action)
	Error func(err error)
}

// Error reports a watch that could not be set up or read. The watch on Path
// is abandoned; the rest of the set keeps running.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("watch: %v", e.Err)
	}
	return fmt.Sprintf("watch %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type fileEntry struct {
	path   string
	record record

	confirm  *reactor.Timer
	deadline time.Time
}

// Set is the live watch table of one rule.
type Set struct {
	loop     *reactor.Loop
	cfg      Config
	handlers Handlers
	matcher  *glob.Matcher
	backend  Backend
	checks   []check

	files map[string]*fileEntry
	dirs  map[string]bool

	reglobTimer *reactor.Timer
	started     bool
	closed      bool
}

// New creates the backend but installs no watches until Start.
func New(loop *reactor.Loop, cfg Config, handlers Handlers) (*Set, error) {
	if cfg.Reglob <= 0 {
		cfg.Reglob = DefaultReglob
	}
	if cfg.DeleteCheckInterval <= 0 {
		cfg.DeleteCheckInterval = DefaultDeleteCheckInterval
	}
	if cfg.DeleteCheckTimeout <= 0 {
		cfg.DeleteCheckTimeout = DefaultDeleteCheckTimeout
	}

	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	return &Set{
		loop:     loop,
		cfg:      cfg,
		handlers: handlers,
		matcher:  glob.Compile(cfg.Patterns),
		backend:  backend,
		checks:   buildChecks(cfg.CheckMtime, cfg.CheckMD5),
		files:    make(map[string]*fileEntry),
		dirs:     make(map[string]bool),
	}, nil
}

// Start installs the initial watches without raising events and begins
// periodic reglobbing.
func (s *Set) Start() {
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.pump()

	for _, root := range glob.Roots(s.cfg.Patterns) {
		if isDir(root) {
			s.watchDir(root)
		}
	}
	s.reglob(true)
	s.scheduleReglob()
}

func (s *Set) pump() {
	events := s.backend.Events()
	errs := s.backend.Errors()
	for events != nil || errs != nil {
		select {
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.loop.Post(func() { s.handle(event) })
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.loop.Post(func() { s.fail("", err) })
		}
	}
}

// Close cancels every timer and closes every watch.
func (s *Set) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.reglobTimer.Stop()
	for _, entry := range s.files {
		entry.confirm.Stop()
	}
	s.files = make(map[string]*fileEntry)
	s.dirs = make(map[string]bool)
	_ = s.backend.Close()
}

// Files returns the paths currently watched as files.
func (s *Set) Files() []string {
	set := make(change.Set, len(s.files))
	for path := range s.files {
		set[path] = change.Change
	}
	return set.Paths()
}

func (s *Set) scheduleReglob() {
	s.reglobTimer = s.loop.AfterFunc(s.cfg.Reglob, func() {
		if s.closed {
			return
		}
		s.reglob(false)
		s.scheduleReglob()
	})
}

// reglob watches every newly matched file. Discoveries after the first
// pass are reported as creates.
func (s *Set) reglob(first bool) {
	for _, path := range glob.Snapshot(s.cfg.Patterns) {
		path = filepath.FromSlash(path)
		if _, ok := s.files[path]; ok {
			continue
		}
		if isDir(path) {
			continue
		}
		if !s.watchFile(path) {
			continue
		}
		s.watchDir(filepath.Dir(path))
		if !first {
			s.emit(path, change.Create)
		}
	}
}

func (s *Set) watchFile(path string) bool {
	entry := &fileEntry{path: path}
	entry.record.refresh(path, s.cfg.CheckMtime, s.cfg.CheckMD5)
	if err := s.backend.Add(path); err != nil {
		s.fail(path, err)
		return false
	}
	s.files[path] = entry
	return true
}

func (s *Set) watchDir(dir string) {
	if s.dirs[dir] {
		return
	}
	if err := s.backend.Add(dir); err != nil {
		s.fail(dir, err)
		return
	}
	s.dirs[dir] = true
}

func (s *Set) handle(event RawEvent) {
	if s.closed {
		return
	}
	if event.Op&^OpChmod == 0 {
		return
	}

	if entry, ok := s.files[event.Path]; ok {
		s.handleFile(entry, event.Op)
		return
	}

	// A directory watch announcing a new path.
	if event.Op&(OpCreate|OpRename) == 0 {
		return
	}
	if !s.dirs[filepath.Dir(event.Path)] || !s.matcher.Match(event.Path) {
		return
	}
	if _, err := os.Stat(event.Path); err != nil || isDir(event.Path) {
		return
	}
	if s.watchFile(event.Path) {
		s.emit(event.Path, change.Create)
	}
}

func (s *Set) handleFile(entry *fileEntry, op Op) {
	if entry.confirm.Active() {
		// The confirmation poll settles the outcome.
		return
	}

	if op&(OpRemove|OpRename) != 0 {
		if !exists(entry.path) {
			s.confirmDelete(entry)
			return
		}
		if !s.rewatch(entry) {
			return
		}
	} else if op&OpCreate != 0 {
		if !s.rewatch(entry) {
			return
		}
	}

	if entry.record.verify(entry.path, s.checks) {
		s.emit(entry.path, change.Change)
	}
}

// rewatch moves the watch onto whatever inode now lives at the path.
func (s *Set) rewatch(entry *fileEntry) bool {
	_ = s.backend.Remove(entry.path)
	if err := s.backend.Add(entry.path); err != nil {
		delete(s.files, entry.path)
		s.fail(entry.path, err)
		return false
	}
	return true
}

func (s *Set) confirmDelete(entry *fileEntry) {
	entry.deadline = time.Now().Add(s.cfg.DeleteCheckTimeout)
	s.pollDelete(entry)
}

func (s *Set) pollDelete(entry *fileEntry) {
	entry.confirm = s.loop.AfterFunc(s.cfg.DeleteCheckInterval, func() {
		if s.closed || s.files[entry.path] != entry {
			return
		}
		if exists(entry.path) {
			if !s.rewatch(entry) {
				return
			}
			entry.record.refresh(entry.path, s.cfg.CheckMtime, s.cfg.CheckMD5)
			s.emit(entry.path, change.Change)
			return
		}
		if time.Now().Before(entry.deadline) {
			s.pollDelete(entry)
			return
		}
		_ = s.backend.Remove(entry.path)
		delete(s.files, entry.path)
		s.emit(entry.path, change.Delete)
	})
}

func (s *Set) emit(path string, action change.Action) {
	if s.closed || s.handlers.Event == nil {
		return
	}
	s.handlers.Event(filepath.ToSlash(path), action)
}

func (s *Set) fail(path string, err error) {
	if s.closed || s.handlers.Error == nil {
		return
	}
	var watchErr *Error
	if !errors.As(err, &watchErr) {
		err = &Error{Path: path, Err: err}
	}
	s.handlers.Error(err)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
