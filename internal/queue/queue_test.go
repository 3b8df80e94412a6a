package queue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/reactor"
)

type fakeProc struct {
	pid    int
	entry  change.Entry
	done   chan struct{}
	once   sync.Once
	code   int
	onExit func()
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Command() string       { return p.entry.String() }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) ExitCode() int         { <-p.done; return p.code }

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.onExit()
		close(p.done)
	})
}

type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProc
	live    int
	maxLive int
	fail    map[string]bool
}

func (l *fakeLauncher) Launch(entry change.Entry) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[entry.String()] {
		return nil, errors.New("spawn failed")
	}
	p := &fakeProc{pid: 1000 + len(l.procs), entry: entry, done: make(chan struct{})}
	p.onExit = func() {
		l.mu.Lock()
		l.live--
		l.mu.Unlock()
	}
	l.procs = append(l.procs, p)
	l.live++
	if l.live > l.maxLive {
		l.maxLive = l.live
	}
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProc(nil), l.procs...)
}

func (l *fakeLauncher) peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLive
}

type fakeTerminator struct {
	launcher *fakeLauncher
	// lag delays the exit past the confirmed kill.
	lag    time.Duration
	err    error
	mu     sync.Mutex
	killed []int
}

func (f *fakeTerminator) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	f.killed = append(f.killed, pid)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, p := range f.launcher.launched() {
		if p.pid != pid {
			continue
		}
		if f.lag > 0 {
			go func() {
				time.Sleep(f.lag)
				p.exit(-1)
			}()
		} else {
			p.exit(-1)
		}
	}
	return nil
}

type harness struct {
	loop     *reactor.Loop
	runner   *Runner
	launcher *fakeLauncher
	term     *fakeTerminator

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{loop: reactor.New(), launcher: &fakeLauncher{fail: map[string]bool{}}}
	h.term = &fakeTerminator{launcher: h.launcher}
	h.runner = New(h.loop, cfg, h.launcher, h.term, Hooks{
		Exec:  func(e change.Entry, _ Process) { h.record("exec " + e.String()) },
		Exit:  func(e change.Entry, _ Process, code int) { h.record("exit " + e.String()) },
		Kill:  func(pid int, err error) { h.record("kill") },
		Error: func(e change.Entry, err error) { h.record("error " + e.String()) },
	})
	t.Cleanup(h.loop.Close)
	return h
}

func (h *harness) record(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *harness) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *harness) push(entries ...change.Entry) {
	h.loop.Do(func() {
		for _, e := range entries {
			h.runner.Push(e)
		}
	})
}

// settle waits for exits posted by helper goroutines to reach the loop.
func (h *harness) settle() {
	time.Sleep(20 * time.Millisecond)
	h.loop.Do(func() {})
}

func TestCombinedReducer(t *testing.T) {
	q := reduceCombined([]change.Entry{
		change.CombinedEntry([]string{"a", "b"}),
		change.CombinedEntry([]string{"x"}),
		change.CombinedEntry([]string{"b", "c"}),
	})
	want := []change.Entry{
		change.CombinedEntry([]string{"a"}),
		change.CombinedEntry([]string{"x"}),
		change.CombinedEntry([]string{"b", "c"}),
	}
	if !reflect.DeepEqual(q, want) {
		t.Fatalf("unexpected queue %v", q)
	}

	q = reduceCombined([]change.Entry{
		change.CombinedEntry([]string{"a"}),
		change.CombinedEntry([]string{"a", "b"}),
	})
	if len(q) != 1 || !reflect.DeepEqual(q[0].Paths, []string{"a", "b"}) {
		t.Fatalf("expected emptied entry to be dropped, got %v", q)
	}
}

func TestSeparateReducer(t *testing.T) {
	q := reduceSeparate([]change.Entry{
		change.SeparateEntry("a", change.Create),
		change.SeparateEntry("b", change.Create),
		change.SeparateEntry("a", change.Change),
	})
	want := []change.Entry{
		change.SeparateEntry("a", change.Change),
		change.SeparateEntry("b", change.Create),
	}
	if !reflect.DeepEqual(q, want) {
		t.Fatalf("unexpected queue %v", q)
	}
}

func TestCombineCoalescing(t *testing.T) {
	h := newHarness(t, Config{Combined: true, ParallelLimit: 1, WaitDone: true})

	h.push(
		change.CombinedEntry([]string{"z"}),
		change.CombinedEntry([]string{"a", "b"}),
		change.CombinedEntry([]string{"b", "c"}),
	)
	h.loop.Do(func() {
		pending := h.runner.Pending()
		if len(pending) != 2 {
			t.Errorf("expected 2 pending entries, got %v", pending)
		}
	})

	for i := 0; i < 3; i++ {
		procs := h.launcher.launched()
		if len(procs) > i {
			procs[i].exit(0)
		}
		h.settle()
	}

	var bRuns int
	for _, p := range h.launcher.launched() {
		if p.entry.Touches("b") {
			bRuns++
		}
	}
	if bRuns != 1 {
		t.Fatalf("expected b to run once, ran %d times (%v)", bRuns, h.recorded())
	}
}

func TestConcurrencyCap(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 2})

	h.push(
		change.SeparateEntry("a", change.Change),
		change.SeparateEntry("b", change.Change),
		change.SeparateEntry("c", change.Change),
		change.SeparateEntry("d", change.Change),
	)
	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("expected 2 launches, got %d", n)
	}

	h.launcher.launched()[0].exit(0)
	h.settle()
	if n := len(h.launcher.launched()); n != 3 {
		t.Fatalf("expected third launch after an exit, got %d", n)
	}

	for _, p := range h.launcher.launched() {
		p.exit(0)
	}
	h.settle()
	for _, p := range h.launcher.launched() {
		p.exit(0)
	}
	h.settle()

	if n := len(h.launcher.launched()); n != 4 {
		t.Fatalf("expected 4 launches, got %d", n)
	}
	if peak := h.launcher.peak(); peak > 2 {
		t.Fatalf("more than 2 processes were live at once: %d", peak)
	}
}

func TestWaitDoneSkip(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 4, WaitDone: true})

	h.push(change.SeparateEntry("a", change.Change))
	h.push(change.SeparateEntry("a", change.Change))
	h.push(change.SeparateEntry("a", change.Change))
	h.push(change.SeparateEntry("b", change.Change))

	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("expected a and b to run, got %d launches", n)
	}
	h.loop.Do(func() {
		if pending := h.runner.Pending(); len(pending) != 1 || pending[0].Path != "a" {
			t.Errorf("expected one skipped entry for a, got %v", pending)
		}
	})

	h.launcher.launched()[0].exit(0)
	h.settle()

	procs := h.launcher.launched()
	if len(procs) != 3 || procs[2].entry.Path != "a" {
		t.Fatalf("expected the skipped entry to dispatch after the first run, got %d launches", len(procs))
	}
}

func TestWithoutWaitDoneRunsConcurrently(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 4})

	h.push(change.SeparateEntry("a", change.Change))
	h.push(change.SeparateEntry("a", change.Change))

	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("expected 2 concurrent launches, got %d", n)
	}
}

func TestRestartOnError(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 1, RestartOnError: true})

	h.push(change.SeparateEntry("a", change.Change))
	h.launcher.launched()[0].exit(2)
	h.settle()

	procs := h.launcher.launched()
	if len(procs) != 2 || !reflect.DeepEqual(procs[1].entry, procs[0].entry) {
		t.Fatalf("expected the failed entry to run again, got %d launches", len(procs))
	}

	procs[1].exit(0)
	h.settle()
	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("a clean exit must not requeue, got %d launches", n)
	}
}

func TestSpawnErrorDropsEntry(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 1})
	h.launcher.fail["change:bad"] = true

	h.push(change.SeparateEntry("bad", change.Change), change.SeparateEntry("good", change.Change))

	got := h.recorded()
	want := []string{"error change:bad", "exec change:good"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStopTerminatesEverything(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 2})

	h.push(
		change.SeparateEntry("a", change.Change),
		change.SeparateEntry("b", change.Change),
		change.SeparateEntry("c", change.Change),
	)

	stopped := make(chan struct{})
	h.loop.Do(func() { h.runner.Stop(func() { close(stopped) }) })

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop never completed")
	}

	h.term.mu.Lock()
	killed := len(h.term.killed)
	h.term.mu.Unlock()
	if killed != 2 {
		t.Fatalf("expected 2 terminations, got %d", killed)
	}

	h.settle()
	h.loop.Do(func() {
		if len(h.runner.Pending()) != 0 {
			t.Error("queue must be discarded on stop")
		}
		h.runner.Push(change.SeparateEntry("d", change.Change))
	})
	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("push after stop must not launch, got %d launches", n)
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	h := newHarness(t, Config{})
	called := false
	h.loop.Do(func() { h.runner.Stop(func() { called = true }) })
	if !called {
		t.Fatal("expected immediate completion")
	}
}

func TestStopWaitsForExits(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 2})
	h.term.lag = 80 * time.Millisecond
	h.push(change.SeparateEntry("a", change.Change), change.SeparateEntry("b", change.Change))

	stopped := make(chan struct{})
	h.loop.Do(func() {
		h.runner.Stop(func() {
			h.record("stopped")
			close(stopped)
		})
	})
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop never completed")
	}

	got := h.recorded()
	if got[len(got)-1] != "stopped" {
		t.Fatalf("stop completed before the exits: %v", got)
	}
	exits := 0
	for _, e := range got {
		if e == "exit change:a" || e == "exit change:b" {
			exits++
		}
	}
	if exits != 2 {
		t.Fatalf("expected both exits before stop completed, got %v", got)
	}
}

func TestStopGivesUpOnFailedKill(t *testing.T) {
	h := newHarness(t, Config{ParallelLimit: 1})
	h.term.err = errors.New("still alive")
	h.push(change.SeparateEntry("a", change.Change))

	stopped := make(chan struct{})
	h.loop.Do(func() { h.runner.Stop(func() { close(stopped) }) })
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop must not wait for a process it failed to kill")
	}
}
