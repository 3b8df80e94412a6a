package manager

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/launch"
	"github.com/nikiv/ghost/internal/rule"
)

func options(name string) rule.Options {
	opts := rule.DefaultOptions()
	opts.Name = name
	opts.Cwd = "/"
	opts.Shell = "/bin/sh"
	opts.Stdio = [3]launch.StdioMode{launch.Ignore, launch.Ignore, launch.Ignore}
	return opts
}

func TestCreateAndList(t *testing.T) {
	m := New(nil)
	cmdID, err := m.CreateRule([]string{"src/*.go"}, options("build"), "go build ./...")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	fnID, err := m.CreateFuncRule([]string{"*.md"}, options("docs"), func(change.Entry) {})
	if err != nil {
		t.Fatalf("create func rule: %v", err)
	}

	infos := m.Rules()
	if len(infos) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(infos))
	}
	if infos[0].ID != cmdID || infos[0].Type != rule.TypeCommand || infos[0].CmdOrFun != "go build ./..." {
		t.Fatalf("unexpected first rule: %+v", infos[0])
	}
	if infos[1].ID != fnID || infos[1].Type != rule.TypeFunction {
		t.Fatalf("unexpected second rule: %+v", infos[1])
	}

	data, err := json.Marshal(infos[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"id"`, `"type"`, `"started"`, `"globPatterns"`, `"cmdOrFun"`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("expected %s in %s", key, data)
		}
	}
}

func TestUnknownID(t *testing.T) {
	m := New(nil)
	ctx := context.Background()
	if err := m.StartByID("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if err := m.StopByID(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if err := m.RestartByID(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if err := m.DeleteByID(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestStartStopAll(t *testing.T) {
	dir := t.TempDir()
	m := New(nil)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := m.CreateRule([]string{dir + "/*.txt"}, options(name), "true"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	for _, info := range m.Rules() {
		if !info.Started {
			t.Fatalf("rule %s not started", info.Name)
		}
	}
	if err := m.StartAll(); err != nil {
		t.Fatalf("second start all: %v", err)
	}
	if err := m.RestartAll(ctx); err != nil {
		t.Fatalf("restart all: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, info := range m.Rules() {
		if info.Started {
			t.Fatalf("rule %s still started", info.Name)
		}
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all on stopped rules: %v", err)
	}
}

func TestByIDAndDelete(t *testing.T) {
	dir := t.TempDir()
	m := New(nil)
	id, err := m.CreateRule([]string{dir + "/*"}, options("one"), "true")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.StartByID(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartByID(id); !errors.Is(err, rule.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := m.RestartByID(ctx, id); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := m.DeleteByID(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Len())
	}
	if _, err := m.Get(id); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestObserveReachesRules(t *testing.T) {
	dir := t.TempDir()
	m := New(nil)

	var before, after atomic.Int32
	first, err := m.CreateRule([]string{dir + "/*"}, restartOptions("first"), "true")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Observe(func(event rule.Event) {
		if event.Type == rule.EventExec {
			if event.Rule == first {
				before.Add(1)
			} else {
				after.Add(1)
			}
		}
	})
	if _, err := m.CreateRule([]string{dir + "/*"}, restartOptions("second"), "true"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.StopAll(ctx)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (before.Load() == 0 || after.Load() == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	if before.Load() == 0 || after.Load() == 0 {
		t.Fatalf("observer missed exec events: %d %d", before.Load(), after.Load())
	}
}

// restartOptions launch the command as soon as the rule starts.
func restartOptions(name string) rule.Options {
	opts := options(name)
	opts.Restart = true
	return opts
}
