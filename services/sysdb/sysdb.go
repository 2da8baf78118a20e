// Package sysdb is the system-database journal: workflow status, inputs,
// operation outputs, notifications, events and the job queue, plus the
// in-process machinery riding on them (notification listener, buffered
// writer). The database is the source of truth for everything here; the
// in-memory state only batches writes and wakes waiters early.
package sysdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"durable-workflows/core/services/serializer"
)

// NullTopic stands in for "no topic" on send/recv so topic can be part of the
// notifications index.
const NullTopic = "__null__topic__"

// DB abstracts the pool operations used by the journal.
// Satisfied by *pgxpool.Pool in production and pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is the statement-level subset of DB, satisfied by both DB and
// pgx.Tx. Journal helpers take a Querier so they can run standalone or inside
// a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SystemDatabase owns all system tables and the process-local auxiliary
// state: wake registries for recv/get_event and the status/inputs write
// buffers.
type SystemDatabase struct {
	db  DB
	ser serializer.Serializer

	notifications *wakeRegistry
	events        *wakeRegistry

	buf *writeBuffer

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates the system-database journal over an existing pool.
func New(db DB, ser serializer.Serializer) (*SystemDatabase, error) {
	if db == nil {
		return nil, fmt.Errorf("sysdb: db connection cannot be nil")
	}
	if ser == nil {
		return nil, fmt.Errorf("sysdb: serializer cannot be nil")
	}
	return &SystemDatabase{
		db:            db,
		ser:           ser,
		notifications: newWakeRegistry(),
		events:        newWakeRegistry(),
		buf:           newWriteBuffer(),
		stop:          make(chan struct{}),
	}, nil
}

// Destroy drains the write buffers and signals every background loop to
// return. The flush loop must still be running when Destroy is called so the
// drain can make progress.
func (s *SystemDatabase) Destroy(ctx context.Context) error {
	if err := s.WaitForBufferFlush(ctx); err != nil {
		return err
	}
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Stopped exposes the shutdown signal to background loops.
func (s *SystemDatabase) Stopped() <-chan struct{} {
	return s.stop
}
