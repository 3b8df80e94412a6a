package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rjeczalik/notify"
)

// Op is a bit set of raw notification kinds.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (op Op) String() string {
	var parts []string
	for _, named := range []struct {
		op   Op
		name string
	}{{OpCreate, "create"}, {OpWrite, "write"}, {OpRemove, "remove"}, {OpRename, "rename"}, {OpChmod, "chmod"}} {
		if op&named.op != 0 {
			parts = append(parts, named.name)
		}
	}
	return strings.Join(parts, "|")
}

// RawEvent is one notification. Path is the watched path for file watches
// and the watched directory joined with the child name for directory
// watches.
type RawEvent struct {
	Path string
	Op   Op
}

// Backend is an OS notification source. Watches are not recursive.
type Backend interface {
	Add(path string) error
	Remove(path string) error
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

const (
	BackendFsnotify = "fsnotify"
	BackendNotify   = "notify"
)

// NewBackend returns the named backend.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendFsnotify:
		return newFsnotifyBackend()
	case BackendNotify:
		return newNotifyBackend(), nil
	default:
		return nil, fmt.Errorf("unknown watch backend %q", name)
	}
}

type fsnotifyBackend struct {
	watcher *fsnotify.Watcher
	events  chan RawEvent
	done    chan struct{}
}

func newFsnotifyBackend() (*fsnotifyBackend, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	b := &fsnotifyBackend{
		watcher: watcher,
		events:  make(chan RawEvent, 128),
		done:    make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

func (b *fsnotifyBackend) pump() {
	defer close(b.events)
	for event := range b.watcher.Events {
		var op Op
		if event.Has(fsnotify.Create) {
			op |= OpCreate
		}
		if event.Has(fsnotify.Write) {
			op |= OpWrite
		}
		if event.Has(fsnotify.Remove) {
			op |= OpRemove
		}
		if event.Has(fsnotify.Rename) {
			op |= OpRename
		}
		if event.Has(fsnotify.Chmod) {
			op |= OpChmod
		}
		if op == 0 {
			continue
		}
		b.events <- RawEvent{Path: filepath.Clean(event.Name), Op: op}
	}
}

func (b *fsnotifyBackend) Add(path string) error    { return b.watcher.Add(path) }
func (b *fsnotifyBackend) Remove(path string) error { return b.watcher.Remove(path) }
func (b *fsnotifyBackend) Events() <-chan RawEvent  { return b.events }
func (b *fsnotifyBackend) Errors() <-chan error     { return b.watcher.Errors }
func (b *fsnotifyBackend) Close() error             { return b.watcher.Close() }

// notifyBackend keeps one notify channel per watched path and maps the
// absolute paths notify reports back onto the paths given to Add.
type notifyBackend struct {
	mu      sync.Mutex
	watches map[string]*notifyWatch
	closed  bool

	events chan RawEvent
	errors chan error
	wg     sync.WaitGroup
}

type notifyWatch struct {
	key  string
	abs  string
	ch   chan notify.EventInfo
	stop chan struct{}
}

func newNotifyBackend() *notifyBackend {
	return &notifyBackend{
		watches: make(map[string]*notifyWatch),
		events:  make(chan RawEvent, 128),
		errors:  make(chan error, 8),
	}
}

func (b *notifyBackend) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("watch %s: backend closed", path)
	}
	if _, ok := b.watches[path]; ok {
		return nil
	}

	w := &notifyWatch{
		key:  path,
		abs:  abs,
		ch:   make(chan notify.EventInfo, 64),
		stop: make(chan struct{}),
	}
	if err := notify.Watch(abs, w.ch, notify.All); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	b.watches[path] = w

	b.wg.Add(1)
	go b.forward(w)
	return nil
}

func (b *notifyBackend) forward(w *notifyWatch) {
	defer b.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case info := <-w.ch:
			event := RawEvent{Path: w.translate(info.Path()), Op: mapNotifyEvent(info.Event())}
			if event.Op == 0 || event.Path == "" {
				continue
			}
			select {
			case b.events <- event:
			case <-w.stop:
				return
			}
		}
	}
}

func (w *notifyWatch) translate(path string) string {
	if path == w.abs {
		return w.key
	}
	rel, err := filepath.Rel(w.abs, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.Join(w.key, rel)
}

func mapNotifyEvent(event notify.Event) Op {
	var op Op
	if event&notify.Create != 0 {
		op |= OpCreate
	}
	if event&notify.Write != 0 {
		op |= OpWrite
	}
	if event&notify.Remove != 0 {
		op |= OpRemove
	}
	if event&notify.Rename != 0 {
		op |= OpRename
	}
	return op
}

func (b *notifyBackend) Remove(path string) error {
	b.mu.Lock()
	w, ok := b.watches[path]
	delete(b.watches, path)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("watch %s: not watched", path)
	}
	notify.Stop(w.ch)
	close(w.stop)
	return nil
}

func (b *notifyBackend) Events() <-chan RawEvent { return b.events }
func (b *notifyBackend) Errors() <-chan error     { return b.errors }

func (b *notifyBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	watches := b.watches
	b.watches = nil
	b.mu.Unlock()

	for _, w := range watches {
		notify.Stop(w.ch)
		close(w.stop)
	}
	b.wg.Wait()
	close(b.events)
	close(b.errors)
	return nil
}
