package terminate

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// stubborn is a fake process that ignores every signal except those listed
// in fatal.
type stubborn struct {
	mu    sync.Mutex
	fatal map[syscall.Signal]bool
	dead  map[int]bool
	got   []syscall.Signal
}

func (s *stubborn) alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead[pid]
}

func (s *stubborn) send(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
	if s.fatal[sig] {
		s.dead[pid] = true
	}
	return nil
}

func (s *stubborn) signals() []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syscall.Signal(nil), s.got...)
}

func fakeTerminator(policy Policy, proc *stubborn) *Terminator {
	t := New(policy)
	t.alive = proc.alive
	t.send = proc.send
	t.descendants = func(int) []int { return nil }
	return t
}

func TestEscalation(t *testing.T) {
	proc := &stubborn{fatal: map[syscall.Signal]bool{unix.SIGKILL: true}, dead: map[int]bool{}}
	term := fakeTerminator(Policy{
		Signals:       []syscall.Signal{unix.SIGTERM, unix.SIGTERM, unix.SIGKILL},
		CheckInterval: 2 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		RetryCount:    3,
		Timeout:       time.Second,
	}, proc)

	if err := term.Terminate(context.Background(), 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := proc.signals()
	want := []syscall.Signal{unix.SIGTERM, unix.SIGTERM, unix.SIGKILL}
	if len(got) != len(want) {
		t.Fatalf("expected signals %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signal %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestLastSignalRepeats(t *testing.T) {
	proc := &stubborn{fatal: map[syscall.Signal]bool{}, dead: map[int]bool{}}
	term := fakeTerminator(Policy{
		Signals:       []syscall.Signal{unix.SIGTERM, unix.SIGINT},
		CheckInterval: 2 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		RetryCount:    3,
		Timeout:       time.Second,
	}, proc)

	err := term.Terminate(context.Background(), 7)
	if !errors.Is(err, ErrKillFailed) {
		t.Fatalf("expected ErrKillFailed, got %v", err)
	}
	var termErr *Error
	if !errors.As(err, &termErr) || termErr.PID != 7 {
		t.Fatalf("expected *Error for pid 7, got %#v", err)
	}

	got := proc.signals()
	want := []syscall.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGINT, unix.SIGINT}
	if len(got) != len(want) {
		t.Fatalf("expected signals %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signal %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestTimeoutWins(t *testing.T) {
	proc := &stubborn{fatal: map[syscall.Signal]bool{}, dead: map[int]bool{}}
	term := fakeTerminator(Policy{
		Signals:       []syscall.Signal{unix.SIGTERM},
		CheckInterval: 5 * time.Millisecond,
		RetryInterval: time.Second,
		RetryCount:    10,
		Timeout:       30 * time.Millisecond,
	}, proc)

	start := time.Now()
	err := term.Terminate(context.Background(), 9)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestTimeoutCoversDescendants(t *testing.T) {
	proc := &stubborn{fatal: map[syscall.Signal]bool{}, dead: map[int]bool{}}
	term := fakeTerminator(Policy{
		Signals:       []syscall.Signal{unix.SIGTERM},
		CheckInterval: 5 * time.Millisecond,
		RetryInterval: 10 * time.Second,
		RetryCount:    10,
		Timeout:       200 * time.Millisecond,
	}, proc)
	term.descendants = func(int) []int { return []int{21} }

	start := time.Now()
	err := term.Terminate(context.Background(), 20)
	elapsed := time.Since(start)

	var termErr *Error
	if !errors.As(err, &termErr) || termErr.PID != 20 || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected root timeout, got %v", err)
	}
	if elapsed >= 2*term.Policy().Timeout {
		t.Fatalf("root and descendant took %v, want one timeout of %v", elapsed, term.Policy().Timeout)
	}
	if got := proc.signals(); len(got) != 2 {
		t.Fatalf("expected root and descendant signalled once each, got %v", got)
	}
}

func TestAlreadyDead(t *testing.T) {
	proc := &stubborn{fatal: map[syscall.Signal]bool{}, dead: map[int]bool{3: true}}
	term := fakeTerminator(DefaultPolicy(), proc)

	if err := term.Terminate(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := proc.signals(); len(got) != 0 {
		t.Fatalf("expected no signals for a dead process, got %v", got)
	}
}

func TestDescendantsKilledAfterRoot(t *testing.T) {
	proc := &stubborn{fatal: map[syscall.Signal]bool{unix.SIGTERM: true}, dead: map[int]bool{}}
	term := fakeTerminator(Policy{CheckInterval: time.Millisecond, Timeout: time.Second}, proc)

	var order []int
	var mu sync.Mutex
	send := term.send
	term.send = func(pid int, sig syscall.Signal) error {
		mu.Lock()
		order = append(order, pid)
		mu.Unlock()
		return send(pid, sig)
	}
	term.descendants = func(int) []int { return []int{11, 12} }

	if err := term.Terminate(context.Background(), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 10 {
		t.Fatalf("expected root first then two children, got %v", order)
	}
	for _, pid := range []int{10, 11, 12} {
		if proc.alive(pid) {
			t.Fatalf("pid %d still alive", pid)
		}
	}
}

func TestParseSignal(t *testing.T) {
	tt := []struct {
		in   string
		want syscall.Signal
		err  bool
	}{
		{"TERM", unix.SIGTERM, false},
		{"SIGKILL", unix.SIGKILL, false},
		{"sigint", unix.SIGINT, false},
		{"9", unix.SIGKILL, false},
		{"", 0, true},
		{"NOPE", 0, true},
		{"-1", 0, true},
	}
	for _, tc := range tt {
		got, err := ParseSignal(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("ParseSignal(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSignal(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSignal(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTerminateProcessTree(t *testing.T) {
	// The shell ignores TERM; its background sleep is a descendant.
	cmd := exec.Command("/bin/sh", "-c", "trap '' TERM; sleep 30 & echo $!; wait")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitErr := make(chan error, 1)

	buf := make([]byte, 32)
	n, err := stdout.Read(buf)
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	childPID, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		t.Fatalf("parsing child pid %q: %v", buf[:n], err)
	}
	go func() { waitErr <- cmd.Wait() }()
	t.Cleanup(func() {
		_ = unix.Kill(childPID, unix.SIGKILL)
		_ = cmd.Process.Kill()
	})

	term := New(Policy{
		Signals:       []syscall.Signal{unix.SIGTERM, unix.SIGKILL},
		CheckInterval: 10 * time.Millisecond,
		RetryInterval: 100 * time.Millisecond,
		RetryCount:    3,
		Timeout:       3 * time.Second,
	})
	if err := term.Terminate(context.Background(), cmd.Process.Pid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-waitErr:
	case <-time.After(2 * time.Second):
		t.Fatal("shell was not reaped")
	}

	deadline := time.Now().Add(2 * time.Second)
	for Alive(childPID) {
		if time.Now().After(deadline) {
			t.Fatalf("descendant %d still alive", childPID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
