// Package rule binds a glob set to a command or callback. A started rule
// owns one reactor loop; the watch set, the aggregator and either the queue
// runner (exec mode) or the supervisor (restart mode) all live on it.
package rule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikiv/ghost/internal/aggregate"
	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/launch"
	"github.com/nikiv/ghost/internal/logging"
	"github.com/nikiv/ghost/internal/queue"
	"github.com/nikiv/ghost/internal/reactor"
	"github.com/nikiv/ghost/internal/supervise"
	"github.com/nikiv/ghost/internal/terminate"
	"github.com/nikiv/ghost/internal/watch"
)

var (
	ErrAlreadyRunning = errors.New("rule already running")
	ErrNotRunning     = errors.New("rule not running")
)

// Callback is the body of a function rule. It runs on the rule loop and
// must not block.
type Callback func(entry change.Entry)

// Rule kinds reported by Info.
const (
	TypeCommand  = "command"
	TypeFunction = "function"
)

// Info is a serializable summary of a rule.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Mode         string   `json:"mode"`
	Started      bool     `json:"started"`
	State        string   `json:"state"`
	GlobPatterns []string `json:"globPatterns"`
	CmdOrFun     string   `json:"cmdOrFun"`
}

// Rule is safe for concurrent use. Event handlers run on the rule loop.
type Rule struct {
	id      string
	globs   []string
	opts    Options
	command string
	fn      Callback
	log     *zap.SugaredLogger

	mu        sync.Mutex
	lifecycle *lifecycle
	session   *session
	stopped   chan struct{}

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler
	observers  []Handler
}

// session holds everything created by one Start.
type session struct {
	loop   *reactor.Loop
	set    *watch.Set
	agg    *aggregate.Aggregator
	runner *queue.Runner
	sup    *supervise.Supervisor

	// active is cleared and closing set on the loop when Stop begins.
	active  bool
	closing bool

	stdin   pipe
	stdout  pipe
	stderr  pipe
	logFile io.WriteCloser
}

type pipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipe(mode launch.StdioMode) pipe {
	if mode != launch.Pipe {
		return pipe{}
	}
	r, w := io.Pipe()
	return pipe{r: r, w: w}
}

func (p pipe) close() {
	if p.w != nil {
		_ = p.w.Close()
	}
	if p.r != nil {
		_ = p.r.Close()
	}
}

// New returns a stopped command rule.
func New(globs []string, opts Options, command string) (*Rule, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("rule command is empty")
	}
	r, err := newRule(globs, opts)
	if err != nil {
		return nil, err
	}
	r.command = command
	return r, nil
}

// NewFunc returns a stopped function rule. Function rules ignore the
// restart and process options.
func NewFunc(globs []string, opts Options, fn Callback) (*Rule, error) {
	if fn == nil {
		return nil, errors.New("rule callback is nil")
	}
	r, err := newRule(globs, opts)
	if err != nil {
		return nil, err
	}
	r.fn = fn
	return r, nil
}

func newRule(globs []string, opts Options) (*Rule, error) {
	if len(globs) == 0 {
		return nil, errors.New("rule has no globs")
	}
	if opts.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		opts.Cwd = cwd
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	id := uuid.NewString()
	if opts.Name == "" {
		opts.Name = id[:8]
	}

	lc, err := newLifecycle(opts.Name)
	if err != nil {
		return nil, err
	}

	return &Rule{
		id:        id,
		globs:     append([]string(nil), globs...),
		opts:      opts,
		log:       opts.Logger,
		lifecycle: lc,
		handlers:  make(map[EventType][]Handler),
	}, nil
}

func (r *Rule) prefix() string {
	return "ghost:" + r.opts.Name
}

// ID returns the rule id.
func (r *Rule) ID() string {
	return r.id
}

// Name returns the display name.
func (r *Rule) Name() string {
	return r.opts.Name
}

// State returns the lifecycle state.
func (r *Rule) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle.current()
}

// Info summarizes the rule.
func (r *Rule) Info() Info {
	state := r.State()
	info := Info{
		ID:           r.id,
		Name:         r.opts.Name,
		Type:         TypeCommand,
		Mode:         "exec",
		Started:      state == StateRunning,
		State:        state,
		GlobPatterns: append([]string(nil), r.globs...),
		CmdOrFun:     r.command,
	}
	if r.opts.Restart {
		info.Mode = "restart"
	}
	if r.fn != nil {
		info.Type = TypeFunction
		info.Mode = "exec"
		info.CmdOrFun = funcName(r.fn)
	}
	return info
}

func funcName(fn Callback) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "func"
}

// On registers handler for one event type.
func (r *Rule) On(typ EventType, handler Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[typ] = append(r.handlers[typ], handler)
}

// Observe registers handler for every event type.
func (r *Rule) Observe(handler Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.observers = append(r.observers, handler)
}

func (r *Rule) emit(event Event) {
	event.Rule = r.id
	event.Name = r.opts.Name
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	r.handlersMu.RLock()
	handlers := append([]Handler(nil), r.handlers[event.Type]...)
	handlers = append(handlers, r.observers...)
	r.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Stdout returns the read side of the piped stdout of the running session,
// or nil when stdout is not piped or the rule is stopped. The reader must be
// drained or commands block on output. It reports EOF once the rule stops.
func (r *Rule) Stdout() io.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.stdout.r == nil {
		return nil
	}
	return r.session.stdout.r
}

// Stderr is Stdout for stderr.
func (r *Rule) Stderr() io.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.stderr.r == nil {
		return nil
	}
	return r.session.stderr.r
}

// Stdin returns the write side of the piped stdin, or nil. Every command of
// the session reads from the same stream.
func (r *Rule) Stdin() io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.stdin.w == nil {
		return nil
	}
	return r.session.stdin.w
}

// Start installs the watches and, in restart mode, launches the command
// right away. Both have happened by the time Start returns, so a file
// created afterwards is reported. Starting a rule that is not stopped
// returns ErrAlreadyRunning.
func (r *Rule) Start() error {
	r.mu.Lock()
	if r.lifecycle.current() != StateStopped {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	s := &session{loop: reactor.New()}
	if err := r.build(s); err != nil {
		r.mu.Unlock()
		s.loop.Close()
		s.closeIO()
		return err
	}

	r.lifecycle.send(eventStart)
	r.session = s
	r.mu.Unlock()
	r.log.Infof("%s watching %s", r.prefix(), strings.Join(r.globs, ", "))

	// Handlers may call back into the rule, so r.mu is not held here.
	s.loop.Do(func() {
		if s.closing {
			return
		}
		s.active = true
		s.set.Start()
		if s.sup != nil {
			s.sup.Start(change.CombinedEntry(nil))
		}
	})
	return nil
}

func (r *Rule) build(s *session) error {
	set, err := watch.New(s.loop, watch.Config{
		Patterns:            r.globs,
		Reglob:              r.opts.Reglob,
		CheckMtime:          r.opts.CheckMtime,
		CheckMD5:            r.opts.CheckMD5,
		DeleteCheckInterval: r.opts.DeleteCheckInterval,
		DeleteCheckTimeout:  r.opts.DeleteCheckTimeout,
		Backend:             r.opts.Backend,
	}, watch.Handlers{
		Event: func(path string, action change.Action) {
			if s.active {
				s.agg.Add(path, action)
			}
		},
		Error: func(err error) { r.watchFailed(s, err) },
	})
	if err != nil {
		return fmt.Errorf("%s: %w", r.prefix(), err)
	}
	s.set = set

	s.agg = aggregate.New(s.loop, aggregate.Config{
		Events:   r.opts.Events,
		Combined: r.opts.CombineEvents,
		Debounce: r.opts.Debounce,
		Throttle: r.opts.Throttle,
	}, aggregate.Handler{
		Combined: func(changes change.Set) { r.deliverCombined(s, changes) },
		Separate: func(path string, action change.Action) { r.deliverSeparate(s, path, action) },
	})

	if r.fn != nil {
		return nil
	}

	s.stdin = newPipe(r.opts.Stdio[0])
	s.stdout = newPipe(r.opts.Stdio[1])
	s.stderr = newPipe(r.opts.Stdio[2])
	if r.opts.LogPath != "" {
		s.logFile = logging.RotatingFile(r.opts.LogPath, 0, 0, 0)
	}

	terminator := terminate.New(r.opts.Kill)
	if r.opts.Restart {
		s.sup = supervise.New(s.loop, supervise.Config{
			RestartOnError:   r.opts.RestartOnError,
			RestartOnSuccess: r.opts.RestartOnSuccess,
			RestartDelay:     r.opts.RestartDelay,
		}, supervise.LauncherFunc(func(entry change.Entry) (supervise.Process, error) {
			proc, err := r.launch(s, entry)
			if err != nil {
				return nil, err
			}
			return proc, nil
		}), terminator, supervise.Hooks{
			Exec: func(entry change.Entry, proc supervise.Process) {
				r.execed(entry, proc.PID(), proc.Command())
			},
			Exit: func(entry change.Entry, proc supervise.Process, code int) {
				r.exited(s, entry, proc.PID(), proc.Command(), code)
			},
			Kill:    r.killed,
			Error:   r.spawnFailed,
			Restart: r.restarting,
		})
		return nil
	}

	s.runner = queue.New(s.loop, queue.Config{
		Combined:       r.opts.CombineEvents,
		ParallelLimit:  r.opts.ParallelLimit,
		WaitDone:       r.opts.WaitDone,
		RestartOnError: r.opts.RestartOnError,
	}, queue.LauncherFunc(func(entry change.Entry) (queue.Process, error) {
		proc, err := r.launch(s, entry)
		if err != nil {
			return nil, err
		}
		return proc, nil
	}), terminator, queue.Hooks{
		Exec: func(entry change.Entry, proc queue.Process) {
			r.execed(entry, proc.PID(), proc.Command())
		},
		Exit: func(entry change.Entry, proc queue.Process, code int) {
			r.exited(s, entry, proc.PID(), proc.Command(), code)
		},
		Kill:  r.killed,
		Error: r.spawnFailed,
	})
	return nil
}

func (r *Rule) launch(s *session, entry change.Entry) (*launch.Process, error) {
	command := change.Interpolate(r.command, entry, r.opts.Cwd)
	spec := launch.Spec{
		Name:    r.opts.Name,
		Command: command,
		Shell:   r.opts.Shell,
		Dir:     r.opts.Cwd,
		Env:     r.opts.Env,
		Stdio:   r.opts.Stdio,
		PTY:     r.opts.PTY,
	}
	if s.stdin.r != nil {
		spec.Stdin = s.stdin.r
	}
	if s.stdout.w != nil {
		spec.Stdout = s.stdout.w
	}
	if s.stderr.w != nil {
		spec.Stderr = s.stderr.w
	}
	if s.logFile != nil {
		spec.Log = s.logFile
	}
	return launch.Launch(spec)
}

func (r *Rule) deliverCombined(s *session, changes change.Set) {
	if !s.active {
		return
	}
	paths := changes.Paths()
	byAction := changes.ByAction()
	for _, action := range change.AllActions {
		if files, ok := byAction[action]; ok {
			r.emit(Event{Type: actionEvent(action), Paths: files})
		}
	}
	r.emit(Event{Type: EventAll, Paths: paths})
	r.dispatch(s, change.CombinedEntry(paths))
}

func (r *Rule) deliverSeparate(s *session, path string, action change.Action) {
	if !s.active {
		return
	}
	r.emit(Event{Type: actionEvent(action), Path: path, Action: action})
	r.emit(Event{Type: EventAll, Path: path, Action: action})
	r.dispatch(s, change.SeparateEntry(path, action))
}

func (r *Rule) dispatch(s *session, entry change.Entry) {
	switch {
	case r.fn != nil:
		r.fn(entry)
	case s.sup != nil:
		s.sup.Restart(entry)
	default:
		s.runner.Push(entry)
	}
}

func entryEvent(typ EventType, entry change.Entry) Event {
	event := Event{Type: typ}
	if entry.Combined {
		event.Paths = entry.Paths
	} else {
		event.Path = entry.Path
		event.Action = entry.Action
	}
	return event
}

func (r *Rule) execed(entry change.Entry, pid int, command string) {
	r.log.Infof("%s starting %s (pid %d)", r.prefix(), command, pid)
	event := entryEvent(EventExec, entry)
	event.PID = pid
	event.Command = command
	r.emit(event)
}

func (r *Rule) exited(s *session, entry change.Entry, pid int, command string, code int) {
	event := entryEvent(EventExit, entry)
	event.PID = pid
	event.Command = command
	event.ExitCode = code
	if code == 0 {
		r.log.Debugf("%s process %d exited", r.prefix(), pid)
	} else {
		r.log.Infof("%s process %d exited with code %d", r.prefix(), pid, code)
	}
	r.emit(event)

	if code != 0 && s.active {
		event.Type = EventCrash
		r.emit(event)
	}
}

func (r *Rule) killed(pid int, err error) {
	if err != nil {
		r.log.Errorf("%s failed to terminate process %d: %v", r.prefix(), pid, err)
		r.emit(Event{Type: EventError, PID: pid, Err: err})
		return
	}
	r.log.Debugf("%s terminated process %d", r.prefix(), pid)
	r.emit(Event{Type: EventKill, PID: pid})
}

func (r *Rule) spawnFailed(entry change.Entry, err error) {
	r.log.Errorf("%s %v", r.prefix(), err)
	event := entryEvent(EventError, entry)
	event.Err = err
	var spawn *launch.SpawnError
	if errors.As(err, &spawn) {
		event.Command = spawn.Command
	}
	r.emit(event)
}

func (r *Rule) restarting(entry change.Entry) {
	r.log.Infof("%s restarting (%s)", r.prefix(), entry)
	r.emit(entryEvent(EventRestart, entry))
}

func (r *Rule) watchFailed(s *session, err error) {
	if !s.active {
		return
	}
	r.log.Errorf("%s %v", r.prefix(), err)
	event := Event{Type: EventError, Err: err}
	var werr *watch.Error
	if errors.As(err, &werr) {
		event.Path = werr.Path
	}
	r.emit(event)
}

// Stop cancels every timer, closes every watch and terminates every live
// command. It returns once all of that is confirmed, or with ctx.Err() if ctx
// ends first, in which case the stop still completes in the background.
// Stopping a stopped rule returns ErrNotRunning.
func (r *Rule) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.lifecycle.current() {
	case StateStopped:
		r.mu.Unlock()
		return ErrNotRunning
	case StateRunning:
		r.lifecycle.send(eventStop)
		r.stopped = make(chan struct{})
		r.teardown(r.session, r.stopped)
	}
	stopped := r.stopped
	r.mu.Unlock()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Rule) teardown(s *session, stopped chan struct{}) {
	r.log.Infof("%s stopping", r.prefix())

	settled := make(chan struct{})
	finish := func() { close(settled) }
	s.loop.Post(func() {
		s.active = false
		s.closing = true
		s.agg.Stop()
		s.set.Close()
		switch {
		case s.runner != nil:
			s.runner.Stop(finish)
		case s.sup != nil:
			s.sup.Stop(finish)
		default:
			finish()
		}
	})

	go func() {
		<-settled
		s.loop.Close()
		<-s.loop.Done()
		s.closeIO()

		r.mu.Lock()
		r.lifecycle.send(eventStopped)
		r.session = nil
		r.mu.Unlock()
		close(stopped)
	}()
}

func (s *session) closeIO() {
	s.stdin.close()
	s.stdout.close()
	s.stderr.close()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

// Restart stops the rule if it is running and starts it again with a fresh
// queue.
func (r *Rule) Restart(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return r.Start()
}
