package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLSink appends history events to a relational table runtime_history.
// It supports SQLite (modernc.org/sqlite) and Postgres (pgx stdlib)
// based on DSN. The schema is created if missing. This sink is
// independent from the state store; it only appends.

type SQLSink struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

func NewSQLSinkFromDSN(dsn string) (*SQLSink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	ld := strings.ToLower(d)
	var drv, dialect, path string
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		drv, dialect, path = "pgx", "postgres", d
	case strings.HasPrefix(ld, "sqlite://"):
		drv, dialect, path = "sqlite", "sqlite", strings.TrimPrefix(d, "sqlite://")
	default:
		drv, dialect, path = "sqlite", "sqlite", d
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == "sqlite" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS runtime_history(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TIMESTAMP NOT NULL,
				event TEXT NOT NULL,
				name TEXT NOT NULL,
				pid INTEGER NOT NULL,
				state TEXT NOT NULL,
				started_at TIMESTAMP NOT NULL,
				stopped_at TIMESTAMP NULL,
				running BOOLEAN NOT NULL,
				exit_err TEXT NULL,
				uniq TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_runtime_history_name ON runtime_history(name);`,
			`CREATE INDEX IF NOT EXISTS idx_runtime_history_uniq ON runtime_history(uniq);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS runtime_history(
				id BIGSERIAL PRIMARY KEY,
				occurred_at TIMESTAMPTZ NOT NULL,
				event TEXT NOT NULL,
				name TEXT NOT NULL,
				pid INTEGER NOT NULL,
				state TEXT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				stopped_at TIMESTAMPTZ NULL,
				running BOOLEAN NOT NULL,
				exit_err TEXT NULL,
				uniq TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_runtime_history_name ON runtime_history(name);`,
			`CREATE INDEX IF NOT EXISTS idx_runtime_history_uniq ON runtime_history(uniq);`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	occur := e.OccurredAt.UTC()
	var stopped any
	if rec.StoppedAt.Valid {
		stopped = rec.StoppedAt.Time.UTC()
	}
	var exitErr any
	if rec.ExitErr.Valid {
		exitErr = rec.ExitErr.String
	}
	evt := string(e.Type)
	if s.dialect == "sqlite" {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runtime_history(occurred_at, event, name, pid, state, started_at, stopped_at, running, exit_err, uniq)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			occur, evt, rec.Name, rec.PID, rec.State, rec.StartedAt.UTC(), stopped, rec.Running, exitErr, rec.Key())
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_history(occurred_at, event, name, pid, state, started_at, stopped_at, running, exit_err, uniq)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
		occur, evt, rec.Name, rec.PID, rec.State, rec.StartedAt.UTC(), stopped, rec.Running, exitErr, rec.Key())
	return err
}

// Recent returns the latest events, newest first, optionally filtered by
// process name.
func (s *SQLSink) Recent(ctx context.Context, name string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT occurred_at, event, name, pid, state, started_at, stopped_at, running, exit_err, uniq
		FROM runtime_history`
	args := make([]any, 0, 2)
	if name != "" {
		if s.dialect == "sqlite" {
			q += ` WHERE name=?`
		} else {
			q += ` WHERE name=$1`
		}
		args = append(args, name)
	}
	if s.dialect == "sqlite" {
		q += ` ORDER BY id DESC LIMIT ?;`
	} else {
		if name != "" {
			q += ` ORDER BY id DESC LIMIT $2;`
		} else {
			q += ` ORDER BY id DESC LIMIT $1;`
		}
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Event, 0, limit)
	for rows.Next() {
		var e Event
		var evt string
		if err := rows.Scan(&e.OccurredAt, &evt, &e.Record.Name, &e.Record.PID, &e.Record.State,
			&e.Record.StartedAt, &e.Record.StoppedAt, &e.Record.Running, &e.Record.ExitErr, &e.Record.Uniq); err != nil {
			return nil, err
		}
		e.Type = EventType(evt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
