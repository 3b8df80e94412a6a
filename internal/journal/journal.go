// Package journal persists the process events of every rule to SQLite so
// past runs can be inspected with `ghost history`.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nikiv/ghost/internal/logging"
	"github.com/nikiv/ghost/internal/rule"
)

const queueSize = 256

// Recorded lists the event types the journal keeps. File events are too
// frequent to be worth storing.
var Recorded = map[rule.EventType]bool{
	rule.EventExec:    true,
	rule.EventExit:    true,
	rule.EventCrash:   true,
	rule.EventKill:    true,
	rule.EventError:   true,
	rule.EventRestart: true,
}

// Entry is one stored event.
type Entry struct {
	ID       int64
	RuleID   string
	RuleName string
	Type     rule.EventType
	Paths    []string
	PID      int
	ExitCode int
	Command  string
	Error    string
	Time     time.Time
}

// Journal writes events on its own goroutine; Record never blocks.
type Journal struct {
	db  *sql.DB
	log *zap.SugaredLogger

	events chan rule.Event
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Open creates the database file and its schema if needed.
func Open(path string, log *zap.SugaredLogger) (*Journal, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &Journal{
		db:     db,
		log:    log,
		events: make(chan rule.Event, queueSize),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// Record queues event for storage if its type is journaled. When the
// writer falls behind the event is dropped and counted.
func (j *Journal) Record(event rule.Event) {
	if !Recorded[event.Type] {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.events <- event:
	default:
		j.dropped++
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *Journal) run() {
	defer j.wg.Done()
	for event := range j.events {
		if err := j.insert(event); err != nil {
			j.log.Errorf("journal failed to record %s event: %v", event.Type, err)
		}
	}
}

func (j *Journal) insert(event rule.Event) error {
	var errText string
	if event.Err != nil {
		errText = event.Err.Error()
	}
	_, err := j.db.Exec(
		`INSERT INTO rule_events (rule_id, rule_name, type, paths, pid, exit_code, command, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Rule,
		event.Name,
		string(event.Type),
		strings.Join(event.Files(), "\n"),
		event.PID,
		event.ExitCode,
		event.Command,
		errText,
		event.Time.UTC().UnixNano(),
	)
	return err
}

// Query selects journal entries.
type Query struct {
	// Rule matches a rule name or id; empty selects every rule.
	Rule  string
	Types []rule.EventType
	Since time.Time
	// Limit caps the result; zero means 50.
	Limit int
}

// History returns matching entries, newest first.
func (j *Journal) History(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if q.Rule != "" {
		where = append(where, "(rule_name = ? OR rule_id = ?)")
		args = append(args, q.Rule, q.Rule)
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, typ := range q.Types {
			marks[i] = "?"
			args = append(args, string(typ))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}

	stmt := `SELECT id, rule_id, rule_name, type, paths, pid, exit_code, command, error, recorded_at FROM rule_events`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry Entry
			typ   string
			paths string
			nanos int64
		)
		if err := rows.Scan(&entry.ID, &entry.RuleID, &entry.RuleName, &typ, &paths,
			&entry.PID, &entry.ExitCode, &entry.Command, &entry.Error, &nanos); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entry.Type = rule.EventType(typ)
		if paths != "" {
			entry.Paths = strings.Split(paths, "\n")
		}
		entry.Time = time.Unix(0, nanos)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// Close flushes queued events and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	j.wg.Wait()
	return j.db.Close()
}

func initSchema(db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize journal db (%s): %w", strings.TrimSpace(stmt), err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS rule_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			type TEXT NOT NULL,
			paths TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			command TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rule_events_rule_time ON rule_events(rule_name, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_rule_events_time ON rule_events(recorded_at);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize journal schema: %w", err)
		}
	}
	return nil
}
