package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one persisted run of a managed process. A row is keyed by
// Uniq, which binds a PID to its start time so a recycled PID never
// matches an old row.
type Record struct {
	ID        int64
	Name      string
	PID       int
	State     string
	StartedAt time.Time
	StoppedAt sql.NullTime
	Running   bool
	ExitErr   sql.NullString
	Uniq      string
	UpdatedAt time.Time
}

// UniqueKey derives the identity of a single run from its PID and start
// time. Truncated to seconds so the key survives a round trip through
// storage backends with second resolution.
func UniqueKey(pid int, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UTC().Unix())
}

// Key returns the record's unique run key, computing it when unset.
func (r Record) Key() string {
	if r.Uniq != "" {
		return r.Uniq
	}
	return UniqueKey(r.PID, r.StartedAt)
}

// Store persists run state for managed processes. Implementations must
// be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, rec Record) error
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error) error
	UpsertStatus(ctx context.Context, rec Record) error
	GetByName(ctx context.Context, name string, limit int) ([]Record, error)
	GetRunning(ctx context.Context, namePrefix string) ([]Record, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
