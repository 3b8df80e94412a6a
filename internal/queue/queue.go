// Package queue runs one command per queued change entry under a
// concurrency cap.
//
// A Runner belongs to a reactor.Loop and every method must be called from
// that loop. Exits and termination results are posted back to it.
package queue

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/reactor"
)

// Process is a launched command.
type Process interface {
	PID() int
	Command() string
	Done() <-chan struct{}
	ExitCode() int
}

// Launcher starts the command for an entry, interpolating it at call time.
type Launcher interface {
	Launch(entry change.Entry) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(entry change.Entry) (Process, error)

func (f LauncherFunc) Launch(entry change.Entry) (Process, error) {
	return f(entry)
}

// Terminator ends a process tree.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
}

// Config holds the runner policy.
type Config struct {
	Combined       bool
	ParallelLimit  int
	WaitDone       bool
	RestartOnError bool
}

// Hooks observe the runner. They run on the loop.
type Hooks struct {
	Exec  func(entry change.Entry, proc Process)
	Exit  func(entry change.Entry, proc Process, code int)
	Kill  func(pid int, err error)
	Error func(entry change.Entry, err error)
}

type running struct {
	entry change.Entry
	proc  Process
}

// Runner is a FIFO of entries with a reducer and a skip predicate.
type Runner struct {
	loop       *reactor.Loop
	cfg        Config
	launcher   Launcher
	terminator Terminator
	hooks      Hooks

	queue   []change.Entry
	running []*running
	stopped bool

	// settling counts terminations started by Stop that have not reported.
	settling int
	stopDone func()
}

// New returns an empty runner.
func New(loop *reactor.Loop, cfg Config, launcher Launcher, terminator Terminator, hooks Hooks) *Runner {
	if cfg.ParallelLimit < 1 {
		cfg.ParallelLimit = 1
	}
	return &Runner{
		loop:       loop,
		cfg:        cfg,
		launcher:   launcher,
		terminator: terminator,
		hooks:      hooks,
	}
}

// Push queues an entry, coalesces the queue and dispatches what it can.
func (r *Runner) Push(entry change.Entry) {
	if r.stopped {
		return
	}
	r.enqueue(entry)
	r.dispatch()
}

func (r *Runner) enqueue(entry change.Entry) {
	r.queue = append(r.queue, entry)
	if r.cfg.Combined {
		r.queue = reduceCombined(r.queue)
	} else {
		r.queue = reduceSeparate(r.queue)
	}
}

// reduceCombined removes the newest entry's paths from every earlier entry
// so queued entries stay path-disjoint. Entries left empty are dropped.
func reduceCombined(queue []change.Entry) []change.Entry {
	if len(queue) < 2 {
		return queue
	}
	newest := queue[len(queue)-1]
	out := queue[:0]
	for _, entry := range queue[:len(queue)-1] {
		if !entry.Overlaps(newest) {
			out = append(out, entry)
			continue
		}
		kept := make([]string, 0, len(entry.Paths))
		for _, path := range entry.Paths {
			if !newest.Touches(path) {
				kept = append(kept, path)
			}
		}
		if len(kept) == 0 {
			continue
		}
		entry.Paths = kept
		out = append(out, entry)
	}
	return append(out, newest)
}

// reduceSeparate folds the newest entry into a queued entry for the same
// path, which keeps its place and takes the newer action.
func reduceSeparate(queue []change.Entry) []change.Entry {
	if len(queue) < 2 {
		return queue
	}
	newest := queue[len(queue)-1]
	for i, entry := range queue[:len(queue)-1] {
		if entry.Path == newest.Path {
			queue[i].Action = newest.Action
			return queue[:len(queue)-1]
		}
	}
	return queue
}

func (r *Runner) dispatch() {
	for !r.stopped && len(r.running) < r.cfg.ParallelLimit {
		idx := r.nextEligible()
		if idx < 0 {
			return
		}
		entry := r.queue[idx]
		r.queue = slices.Delete(r.queue, idx, idx+1)
		r.start(entry)
	}
}

// nextEligible returns the first entry that is not skipped, or -1. With
// WaitDone an entry sharing a path with a running entry is skipped.
func (r *Runner) nextEligible() int {
	for i, entry := range r.queue {
		if !r.cfg.WaitDone || !r.busy(entry) {
			return i
		}
	}
	return -1
}

func (r *Runner) busy(entry change.Entry) bool {
	for _, run := range r.running {
		if run.entry.Overlaps(entry) {
			return true
		}
	}
	return false
}

func (r *Runner) start(entry change.Entry) {
	proc, err := r.launcher.Launch(entry)
	if err != nil {
		if r.hooks.Error != nil {
			r.hooks.Error(entry, err)
		}
		return
	}

	run := &running{entry: entry, proc: proc}
	r.running = append(r.running, run)
	if r.hooks.Exec != nil {
		r.hooks.Exec(entry, proc)
	}

	go func() {
		<-proc.Done()
		code := proc.ExitCode()
		r.loop.Post(func() { r.exited(run, code) })
	}()
}

func (r *Runner) exited(run *running, code int) {
	idx := slices.Index(r.running, run)
	if idx < 0 {
		return
	}
	r.running = slices.Delete(r.running, idx, idx+1)

	if r.hooks.Exit != nil {
		r.hooks.Exit(run.entry, run.proc, code)
	}
	if r.stopped {
		r.finishStop()
		return
	}
	if code != 0 && r.cfg.RestartOnError {
		r.enqueue(run.entry)
	}
	r.dispatch()
}

// Running reports the number of live processes.
func (r *Runner) Running() int {
	return len(r.running)
}

// Pending returns a copy of the queue.
func (r *Runner) Pending() []change.Entry {
	return slices.Clone(r.queue)
}

// Stop discards the queue and terminates every live process in parallel.
// done runs on the loop once every termination has settled and every
// killed process has reported its exit. A process that could not be
// terminated is given up on and no exit is awaited for it.
func (r *Runner) Stop(done func()) {
	r.stopped = true
	r.queue = nil
	r.stopDone = done

	pids := make([]int, 0, len(r.running))
	for _, run := range r.running {
		pids = append(pids, run.proc.PID())
	}
	r.settling = len(pids)
	if len(pids) == 0 {
		r.finishStop()
		return
	}

	go func() {
		var g errgroup.Group
		for _, pid := range pids {
			g.Go(func() error {
				err := r.terminator.Terminate(context.Background(), pid)
				r.loop.Post(func() { r.killed(pid, err) })
				return err
			})
		}
		_ = g.Wait()
	}()
}

func (r *Runner) killed(pid int, err error) {
	if r.hooks.Kill != nil {
		r.hooks.Kill(pid, err)
	}
	if err != nil {
		r.running = slices.DeleteFunc(r.running, func(run *running) bool {
			return run.proc.PID() == pid
		})
	}
	r.settling--
	r.finishStop()
}

func (r *Runner) finishStop() {
	if r.stopDone == nil || r.settling > 0 || len(r.running) > 0 {
		return
	}
	done := r.stopDone
	r.stopDone = nil
	done()
}
