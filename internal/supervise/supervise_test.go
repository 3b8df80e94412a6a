package supervise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/reactor"
)

type fakeProc struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	code   int
	onExit func()
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Command() string       { return fmt.Sprintf("proc-%d", p.pid) }
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
}

func (l *fakeLauncher) Launch(change.Entry) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProc{pid: 100 + len(l.procs), done: make(chan struct{})}
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

type slowTerminator struct {
	launcher *fakeLauncher
	delay    time.Duration
	// lag delays the exit past the confirmed kill, like a reaper running late.
	lag time.Duration
	err error
}

func (f *slowTerminator) Terminate(_ context.Context, pid int) error {
	time.Sleep(f.delay)
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
	sup      *Supervisor
	launcher *fakeLauncher
	term     *slowTerminator

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{loop: reactor.New(), launcher: &fakeLauncher{}}
	h.term = &slowTerminator{launcher: h.launcher, delay: 20 * time.Millisecond}
	h.sup = New(h.loop, cfg, h.launcher, h.term, Hooks{
		Exec:    func(_ change.Entry, p Process) { h.record(fmt.Sprintf("exec %d", p.PID())) },
		Exit:    func(_ change.Entry, p Process, code int) { h.record(fmt.Sprintf("exit %d %d", p.PID(), code)) },
		Kill:    func(pid int, _ error) { h.record(fmt.Sprintf("kill %d", pid)) },
		Restart: func(change.Entry) { h.record("restart") },
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

func (h *harness) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, e := range h.recorded() {
			if e == event {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %q in %v", event, h.recorded())
}

func TestStartLaunchesImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	if got := h.recorded(); len(got) != 1 || got[0] != "exec 100" {
		t.Fatalf("expected immediate exec, got %v", got)
	}
}

func TestRestartExclusivity(t *testing.T) {
	h := newHarness(t, Config{})
	h.loop.Do(func() {
		h.sup.Start(change.CombinedEntry(nil))
		h.sup.Restart(change.CombinedEntry([]string{"a"}))
		h.sup.Restart(change.CombinedEntry([]string{"b"}))
	})
	h.waitFor(t, "exec 101")
	time.Sleep(50 * time.Millisecond)

	h.launcher.mu.Lock()
	peak := h.launcher.maxLive
	h.launcher.mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected at most one live process, peak was %d", peak)
	}
	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("expected the two restarts to coalesce into one launch, got %d", n)
	}

	var sawKill bool
	for _, e := range h.recorded() {
		switch {
		case e == "kill 100":
			sawKill = true
		case e == "exec 101" && !sawKill:
			t.Fatalf("second exec before the first kill: %v", h.recorded())
		}
	}
}

func TestRestartWhenDown(t *testing.T) {
	h := newHarness(t, Config{})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })
	h.launcher.launched()[0].exit(1)
	h.waitFor(t, "exit 100 1")

	h.loop.Do(func() {
		if h.sup.Running() {
			t.Error("process must stay down without a policy")
		}
		h.sup.Restart(change.CombinedEntry([]string{"a"}))
	})
	if n := len(h.launcher.launched()); n != 2 {
		t.Fatalf("expected relaunch, got %d launches", n)
	}
}

func TestRestartOnSuccess(t *testing.T) {
	h := newHarness(t, Config{RestartOnSuccess: true, RestartDelay: 10 * time.Millisecond})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	h.launcher.launched()[0].exit(0)
	h.waitFor(t, "exec 101")

	want := []string{"exec 100", "exit 100 0", "restart", "exec 101"}
	if got := h.recorded(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRestartOnError(t *testing.T) {
	h := newHarness(t, Config{RestartOnError: true})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	h.launcher.launched()[0].exit(0)
	h.waitFor(t, "exit 100 0")
	time.Sleep(30 * time.Millisecond)
	if n := len(h.launcher.launched()); n != 1 {
		t.Fatalf("a clean exit must not relaunch, got %d launches", n)
	}

	h.loop.Do(func() { h.sup.Restart(change.CombinedEntry(nil)) })
	h.launcher.launched()[1].exit(3)
	h.waitFor(t, "exec 102")
}

func TestStopCancelsPendingRelaunch(t *testing.T) {
	h := newHarness(t, Config{RestartOnSuccess: true, RestartDelay: 50 * time.Millisecond})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })
	h.launcher.launched()[0].exit(0)
	h.waitFor(t, "exit 100 0")

	stopped := false
	h.loop.Do(func() { h.sup.Stop(func() { stopped = true }) })
	time.Sleep(100 * time.Millisecond)

	h.loop.Do(func() {
		if !stopped {
			t.Error("stop with nothing live must complete immediately")
		}
	})
	if n := len(h.launcher.launched()); n != 1 {
		t.Fatalf("relaunch after stop, got %d launches", n)
	}
}

func TestStopKillsLiveProcess(t *testing.T) {
	h := newHarness(t, Config{RestartOnError: true})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	done := make(chan struct{})
	h.loop.Do(func() { h.sup.Stop(func() { close(done) }) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop never completed")
	}
	time.Sleep(30 * time.Millisecond)

	if n := len(h.launcher.launched()); n != 1 {
		t.Fatalf("killed process must not be relaunched, got %d launches", n)
	}
	h.waitFor(t, "kill 100")
}

func TestStopDuringRestart(t *testing.T) {
	h := newHarness(t, Config{})
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	done := make(chan struct{})
	h.loop.Do(func() {
		h.sup.Restart(change.CombinedEntry(nil))
		h.sup.Stop(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop never completed")
	}
	if n := len(h.launcher.launched()); n != 1 {
		t.Fatalf("stop must win over a settling restart, got %d launches", n)
	}
}

func TestStopWaitsForExit(t *testing.T) {
	h := newHarness(t, Config{})
	h.term.lag = 80 * time.Millisecond
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	done := make(chan struct{})
	h.loop.Do(func() {
		h.sup.Stop(func() {
			h.record("stopped")
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop never completed")
	}

	want := []string{"exec 100", "kill 100", "exit 100 -1", "stopped"}
	if got := h.recorded(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStopGivesUpOnFailedKill(t *testing.T) {
	h := newHarness(t, Config{})
	h.term.err = errors.New("still alive")
	h.loop.Do(func() { h.sup.Start(change.CombinedEntry(nil)) })

	done := make(chan struct{})
	h.loop.Do(func() { h.sup.Stop(func() { close(done) }) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop must not wait for a process it failed to kill")
	}
}
