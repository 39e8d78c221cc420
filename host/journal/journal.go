// Package journal persists attach calls and callback failures to SQLite so
// a run can be inspected after the script has exited. Each Open starts a
// new session identified by a UUIDv7.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tmrbridge/script"
	"tmrbridge/tmr"
)

//go:embed schema.sql
var schemaSQL string

// Journal is an open journal database with an active session.
type Journal struct {
	db      *sql.DB
	session string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Journal
type Option func(*Journal)

// WithLogger sets the logger write failures are reported to
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// Open opens or creates the database at path and starts a session for
// the given driver kind and script.
func Open(path, driverKind, scriptName string, opts ...Option) (*Journal, error) {
	j, err := Inspect(path, opts...)
	if err != nil {
		return nil, err
	}
	j.session = uuid.Must(uuid.NewV7()).String()

	_, err = j.db.Exec(`INSERT INTO sessions (id, started_at, driver, script) VALUES (?, ?, ?, ?)`,
		j.session, j.now().UnixMicro(), driverKind, scriptName)
	if err != nil {
		j.db.Close()
		return nil, fmt.Errorf("journal: start session: %w", err)
	}
	return j, nil
}

// Inspect opens the database at path without starting a session. Record
// calls on the result fail; use it to read earlier sessions.
func Inspect(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	j := &Journal{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Session returns the id of the current session, empty for Inspect
func (j *Journal) Session() string {
	return j.session
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordAttach stores an attach event. It has the tmr.AttachHook shape.
func (j *Journal) RecordAttach(ev tmr.AttachEvent) {
	var code, msg string
	if ev.Err != nil {
		msg = ev.Err.Error()
		var te *tmr.Error
		if errors.As(ev.Err, &te) {
			code = string(te.Code)
		}
	}
	_, err := j.db.Exec(`INSERT INTO attach_events
		(session_id, at, kind, unit, period_us, replaced, code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.session, j.now().UnixMicro(), ev.Kind.String(), ev.Unit, ev.PeriodMicros, ev.Replaced, code, msg)
	if err != nil {
		j.logger.Warn("journal: attach not recorded", "err", err)
	}
}

// RecordCallbackError stores a callback failure. It has the tmr.ErrorHook
// shape.
func (j *Journal) RecordCallbackError(unit int, cbErr error) {
	var se *script.ScriptError
	interrupted := errors.As(cbErr, &se) && se.Interrupted
	_, err := j.db.Exec(`INSERT INTO callback_errors
		(session_id, at, unit, interrupted, message)
		VALUES (?, ?, ?, ?, ?)`,
		j.session, j.now().UnixMicro(), unit, interrupted, cbErr.Error())
	if err != nil {
		j.logger.Warn("journal: callback error not recorded", "err", err)
	}
}

// Session is one recorded run
type Session struct {
	ID        string
	StartedAt time.Time
	Driver    string
	Script    string
}

// AttachRecord is a stored attach event
type AttachRecord struct {
	At           time.Time
	Kind         string
	Unit         int
	PeriodMicros int64
	Replaced     bool
	Code         string
	Error        string
}

// CallbackErrorRecord is a stored callback failure
type CallbackErrorRecord struct {
	At          time.Time
	Unit        int
	Interrupted bool
	Message     string
}

// Sessions lists recorded sessions, newest first
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, driver, script FROM sessions ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("journal: sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var at int64
		if err := rows.Scan(&s.ID, &at, &s.Driver, &s.Script); err != nil {
			return nil, fmt.Errorf("journal: sessions: %w", err)
		}
		s.StartedAt = time.UnixMicro(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Attaches returns the attach events of session in the order they were
// recorded. An empty session means the current one.
func (j *Journal) Attaches(ctx context.Context, session string) ([]AttachRecord, error) {
	if session == "" {
		session = j.session
	}
	rows, err := j.db.QueryContext(ctx, `SELECT at, kind, unit, period_us, replaced, code, error
		FROM attach_events WHERE session_id = ? ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("journal: attaches: %w", err)
	}
	defer rows.Close()

	var out []AttachRecord
	for rows.Next() {
		var r AttachRecord
		var at int64
		if err := rows.Scan(&at, &r.Kind, &r.Unit, &r.PeriodMicros, &r.Replaced, &r.Code, &r.Error); err != nil {
			return nil, fmt.Errorf("journal: attaches: %w", err)
		}
		r.At = time.UnixMicro(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallbackErrors returns the callback failures of session in the order
// they were recorded. An empty session means the current one.
func (j *Journal) CallbackErrors(ctx context.Context, session string) ([]CallbackErrorRecord, error) {
	if session == "" {
		session = j.session
	}
	rows, err := j.db.QueryContext(ctx, `SELECT at, unit, interrupted, message
		FROM callback_errors WHERE session_id = ? ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("journal: callback errors: %w", err)
	}
	defer rows.Close()

	var out []CallbackErrorRecord
	for rows.Next() {
		var r CallbackErrorRecord
		var at int64
		if err := rows.Scan(&at, &r.Unit, &r.Interrupted, &r.Message); err != nil {
			return nil, fmt.Errorf("journal: callback errors: %w", err)
		}
		r.At = time.UnixMicro(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
