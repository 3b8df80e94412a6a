// Package manager is the in-process registry of rules. It exposes the
// create, start, stop, restart and delete operations a control surface
// needs, keyed by rule id.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nikiv/ghost/internal/logging"
	"github.com/nikiv/ghost/internal/rule"
)

var ErrRuleNotFound = errors.New("rule not found")

// Manager is a threadsafe catalog of rules in creation order.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*rule.Rule
	order     []string
	observers []rule.Handler
	log       *zap.SugaredLogger
}

// New returns an empty manager. A nil logger discards output.
func New(log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		byID: make(map[string]*rule.Rule),
		log:  log,
	}
}

// Observe attaches handler to every rule, present and future.
func (m *Manager) Observe(handler rule.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, handler)
	for _, id := range m.order {
		m.byID[id].Observe(handler)
	}
}

// CreateRule registers a stopped command rule and returns its id.
func (m *Manager) CreateRule(globs []string, opts rule.Options, command string) (string, error) {
	r, err := rule.New(globs, opts, command)
	if err != nil {
		return "", err
	}
	m.add(r)
	return r.ID(), nil
}

// CreateFuncRule registers a stopped function rule and returns its id.
func (m *Manager) CreateFuncRule(globs []string, opts rule.Options, fn rule.Callback) (string, error) {
	r, err := rule.NewFunc(globs, opts, fn)
	if err != nil {
		return "", err
	}
	m.add(r)
	return r.ID(), nil
}

func (m *Manager) add(r *rule.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, handler := range m.observers {
		r.Observe(handler)
	}
	m.byID[r.ID()] = r
	m.order = append(m.order, r.ID())
}

// Get returns the rule with id.
func (m *Manager) Get(id string) (*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r, nil
}

func (m *Manager) snapshot() []*rule.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]*rule.Rule, 0, len(m.order))
	for _, id := range m.order {
		rules = append(rules, m.byID[id])
	}
	return rules
}

// StartByID starts one rule.
func (m *Manager) StartByID(id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Start()
}

// StopByID stops one rule and waits for its commands to die.
func (m *Manager) StopByID(ctx context.Context, id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Stop(ctx)
}

// RestartByID stops the rule if needed and starts it again.
func (m *Manager) RestartByID(ctx context.Context, id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Restart(ctx)
}

// DeleteByID stops the rule if it runs and forgets it.
func (m *Manager) DeleteByID(ctx context.Context, id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := r.Stop(ctx); err != nil && !errors.Is(err, rule.ErrNotRunning) {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	m.order = slices.DeleteFunc(m.order, func(other string) bool { return other == id })
	return nil
}

// StartAll starts every stopped rule. Rules that fail to start are logged
// and the first error is returned after all were attempted.
func (m *Manager) StartAll() error {
	var first error
	for _, r := range m.snapshot() {
		err := r.Start()
		if err == nil || errors.Is(err, rule.ErrAlreadyRunning) {
			continue
		}
		m.log.Errorf("ghost:%s failed to start: %v", r.Name(), err)
		if first == nil {
			first = err
		}
	}
	return first
}

// StopAll stops every running rule in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	return m.each(ctx, func(ctx context.Context, r *rule.Rule) error {
		if err := r.Stop(ctx); err != nil && !errors.Is(err, rule.ErrNotRunning) {
			return fmt.Errorf("stop %s: %w", r.Name(), err)
		}
		return nil
	})
}

// RestartAll restarts every rule in parallel.
func (m *Manager) RestartAll(ctx context.Context) error {
	return m.each(ctx, func(ctx context.Context, r *rule.Rule) error {
		if err := r.Restart(ctx); err != nil {
			return fmt.Errorf("restart %s: %w", r.Name(), err)
		}
		return nil
	})
}

func (m *Manager) each(ctx context.Context, fn func(context.Context, *rule.Rule) error) error {
	var g errgroup.Group
	for _, r := range m.snapshot() {
		g.Go(func() error { return fn(ctx, r) })
	}
	return g.Wait()
}

// Rules lists every rule in creation order.
func (m *Manager) Rules() []rule.Info {
	rules := m.snapshot()
	infos := make([]rule.Info, 0, len(rules))
	for _, r := range rules {
		infos = append(infos, r.Info())
	}
	return infos
}

// Len reports the number of registered rules.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
