// Package telemetry records command events in a local SQLite database.
// Nothing leaves the machine; `distill doctor` reads the log back for
// a usage summary. A nil Recorder is valid and records nothing.
package telemetry

import (
	"database/sql"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// Event is one recorded command invocation.
type Event struct {
	Command   string
	Session   string
	Phase     string
	Provider  string
	Duration  time.Duration
	Outcome   string
	Error     string
	CreatedAt time.Time
}

// Open creates or opens the telemetry database at path.
func Open(path string, logger *zap.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{db: db, logger: logger}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Recorder) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		command TEXT NOT NULL,
		session TEXT,
		phase TEXT,
		provider TEXT,
		duration_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_command ON events(command);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return err
	}

	// Concurrent distill invocations share this database.
	r.db.Exec(`PRAGMA journal_mode=WAL`)
	r.db.Exec(`PRAGMA busy_timeout=5000`)

	return nil
}

// Record stores an event. Failures are logged and swallowed; telemetry
// never interrupts the command that triggered it.
func (r *Recorder) Record(ev Event) {
	if r == nil || r.db == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeOK
	}

	_, err := r.db.Exec(
		`INSERT INTO events (created_at, command, session, phase, provider, duration_ms, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CreatedAt, ev.Command, ev.Session, ev.Phase, ev.Provider, ev.Duration.Milliseconds(), ev.Outcome, ev.Error,
	)
	if err != nil {
		r.logger.Warn("failed to record telemetry event", zap.String("command", ev.Command), zap.Error(err))
	}
}

// Track starts a timer for the event and returns a function that records
// it when called with the command's final error. The caller fills the
// identifying fields; Track fills duration and outcome.
func (r *Recorder) Track(ev Event) func(error) {
	start := time.Now()
	return func(err error) {
		ev.Duration = time.Since(start)
		if err != nil {
			ev.Outcome = OutcomeError
			ev.Error = err.Error()
		} else {
			ev.Outcome = OutcomeOK
		}
		r.Record(ev)
	}
}

// Recent returns the most recent events, newest first.
func (r *Recorder) Recent(limit int) ([]Event, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}

	rows, err := r.db.Query(
		`SELECT created_at, command, session, phase, provider, duration_ms, outcome, error
		 FROM events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var session, phase, provider, errMsg sql.NullString
		var durationMS int64

		if err := rows.Scan(&ev.CreatedAt, &ev.Command, &session, &phase, &provider, &durationMS, &ev.Outcome, &errMsg); err != nil {
			return nil, err
		}

		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.Session = session.String
		ev.Phase = phase.String
		ev.Provider = provider.String
		ev.Error = errMsg.String

		events = append(events, ev)
	}

	return events, rows.Err()
}

// CountByCommand returns how many events were recorded per command.
func (r *Recorder) CountByCommand() (map[string]int, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}

	rows, err := r.db.Query(`SELECT command, COUNT(*) FROM events GROUP BY command`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var command string
		var n int
		if err := rows.Scan(&command, &n); err != nil {
			return nil, err
		}
		counts[command] = n
	}

	return counts, rows.Err()
}
