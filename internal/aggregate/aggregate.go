// Package aggregate shapes semantic file events into deliveries: one
// combined change set per debounce/throttle window, or one call per path.
//
// An Aggregator belongs to a reactor.Loop and every method must be called
// from that loop.
package aggregate

import (
	"time"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/reactor"
)

// Config controls filtering and timing.
type Config struct {
	// Events is the allow-list of actions. Empty allows every action.
	Events   []change.Action
	Combined bool
	Debounce time.Duration
	// Throttle is the minimum gap between two combined deliveries.
	Throttle time.Duration
}

// Handler receives deliveries. Only the callback for the configured mode is
// used.
type Handler struct {
	Combined func(set change.Set)
	Separate func(path string, action change.Action)
}

type pendingPath struct {
	action change.Action
	timer  *reactor.Timer
}

// Aggregator accumulates events until their window closes.
type Aggregator struct {
	loop    *reactor.Loop
	cfg     Config
	allowed map[change.Action]bool
	handler Handler
	now     func() time.Time

	pending  change.Set
	timer    *reactor.Timer
	lastFire time.Time

	perPath map[string]*pendingPath
	stopped bool
}

// New returns an Aggregator delivering on loop.
func New(loop *reactor.Loop, cfg Config, handler Handler) *Aggregator {
	allowed := make(map[change.Action]bool, len(change.AllActions))
	events := cfg.Events
	if len(events) == 0 {
		events = change.AllActions
	}
	for _, action := range events {
		allowed[action] = true
	}
	return &Aggregator{
		loop:    loop,
		cfg:     cfg,
		allowed: allowed,
		handler: handler,
		now:     time.Now,
		pending: change.Set{},
		perPath: make(map[string]*pendingPath),
	}
}

// Add records one event. Disallowed actions are dropped.
func (a *Aggregator) Add(path string, action change.Action) {
	if a.stopped || !a.allowed[action] {
		return
	}
	if a.cfg.Combined {
		a.addCombined(path, action)
		return
	}
	a.addSeparate(path, action)
}

func (a *Aggregator) addCombined(path string, action change.Action) {
	a.pending[path] = action

	now := a.now()
	deadline := now.Add(a.cfg.Debounce)
	if a.cfg.Throttle > 0 && !a.lastFire.IsZero() {
		if floor := a.lastFire.Add(a.cfg.Throttle); floor.After(deadline) {
			deadline = floor
		}
	}

	a.timer.Stop()
	a.timer = a.loop.AfterFunc(deadline.Sub(now), a.fireCombined)
}

func (a *Aggregator) fireCombined() {
	a.timer = nil
	if a.stopped || len(a.pending) == 0 {
		return
	}
	set := a.pending
	a.pending = change.Set{}
	a.lastFire = a.now()
	if a.handler.Combined != nil {
		a.handler.Combined(set)
	}
}

func (a *Aggregator) addSeparate(path string, action change.Action) {
	p, ok := a.perPath[path]
	if !ok {
		p = &pendingPath{}
		a.perPath[path] = p
	}
	p.action = action
	p.timer.Stop()
	p.timer = a.loop.AfterFunc(a.cfg.Debounce, func() {
		if a.stopped || a.perPath[path] != p {
			return
		}
		delete(a.perPath, path)
		if a.handler.Separate != nil {
			a.handler.Separate(path, p.action)
		}
	})
}

// Pending reports how many paths wait for delivery.
func (a *Aggregator) Pending() int {
	if a.cfg.Combined {
		return len(a.pending)
	}
	return len(a.perPath)
}

// Stop cancels every pending timer. Nothing is delivered afterwards.
func (a *Aggregator) Stop() {
	a.stopped = true
	a.timer.Stop()
	a.timer = nil
	a.pending = change.Set{}
	for path, p := range a.perPath {
		p.timer.Stop()
		delete(a.perPath, path)
	}
}
