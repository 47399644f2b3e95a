// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger persists consensus decisions.
//
// The ledger backs two guarantees: the executed set survives agent
// restarts, so a replayed proposal stays an idempotent no-op across
// reboots, and every decision — including timeout-fallback approvals
// taken during partitions — leaves an auditable record for operators.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Decision is one resolved proposal.
type Decision struct {
	ProposalID uuid.UUID
	Action     string
	Outcome    string
	// Fallback marks a timeout resolved by trusted-leader approval
	// rather than an explicit quorum.
	Fallback  bool
	Votes     int
	Denials   int
	DecidedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	proposal_id TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	fallback    INTEGER NOT NULL DEFAULT 0,
	votes       INTEGER NOT NULL DEFAULT 0,
	denials     INTEGER NOT NULL DEFAULT 0,
	decided_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS executed (
	proposal_id TEXT PRIMARY KEY,
	executed_at INTEGER NOT NULL
);
`

// Ledger is a SQLite-backed decision store. Safe for concurrent use;
// each operation borrows a pooled connection.
type Ledger struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the ledger at path. ":memory:" gives an
// ephemeral ledger for tests. The caller must Close it.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// The driver rejects the bare ":memory:" path; route it through
	// the URI form and keep the pool at one connection so every
	// operation sees the same per-connection database.
	uri := path
	poolSize := 4
	if path == ":memory:" {
		uri = "file::memory:?mode=memory"
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000;", nil); err != nil {
				return err
			}
			return sqlitex.ExecScript(conn, schema)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}

	logger.Info("decision ledger opened", "path", path)
	return &Ledger{pool: pool, logger: logger, path: path}, nil
}

// Record stores a resolved decision. Re-recording the same proposal ID
// overwrites, keeping Record idempotent under message replay.
func (l *Ledger) Record(ctx context.Context, d Decision) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO decisions
		 (proposal_id, action, outcome, fallback, votes, denials, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			d.ProposalID.String(), d.Action, d.Outcome,
			boolToInt(d.Fallback), d.Votes, d.Denials,
			d.DecidedAt.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("ledger: recording %s: %w", d.ProposalID, err)
	}
	return nil
}

// MarkExecuted adds a proposal to the executed set.
func (l *Ledger) MarkExecuted(ctx context.Context, id uuid.UUID, at time.Time) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO executed (proposal_id, executed_at) VALUES (?, ?);`,
		&sqlitex.ExecOptions{Args: []any{id.String(), at.UnixMilli()}})
	if err != nil {
		return fmt.Errorf("ledger: marking %s executed: %w", id, err)
	}
	return nil
}

// Executed reports whether a proposal is in the executed set.
func (l *Ledger) Executed(ctx context.Context, id uuid.UUID) (bool, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger: take: %w", err)
	}
	defer l.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM executed WHERE proposal_id = ?;`,
		&sqlitex.ExecOptions{
			Args:       []any{id.String()},
			ResultFunc: func(*sqlite.Stmt) error { found = true; return nil },
		})
	if err != nil {
		return false, fmt.Errorf("ledger: querying executed %s: %w", id, err)
	}
	return found, nil
}

// ExecutedIDs returns the full executed set, used to warm the
// in-memory replay filter on startup.
func (l *Ledger) ExecutedIDs(ctx context.Context) ([]uuid.UUID, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: take: %w", err)
	}
	defer l.pool.Put(conn)

	var ids []uuid.UUID
	err = sqlitex.Execute(conn,
		`SELECT proposal_id FROM executed ORDER BY executed_at;`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := uuid.Parse(stmt.ColumnText(0))
			if err != nil {
				l.logger.Warn("skipping malformed proposal id in ledger", "value", stmt.ColumnText(0))
				return nil
			}
			ids = append(ids, id)
			return nil
		}})
	if err != nil {
		return nil, fmt.Errorf("ledger: listing executed: %w", err)
	}
	return ids, nil
}

// Recent returns the n most recent decisions, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Decision, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: take: %w", err)
	}
	defer l.pool.Put(conn)

	var out []Decision
	err = sqlitex.Execute(conn,
		`SELECT proposal_id, action, outcome, fallback, votes, denials, decided_at
		 FROM decisions ORDER BY decided_at DESC LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := uuid.Parse(stmt.ColumnText(0))
				if err != nil {
					return nil
				}
				out = append(out, Decision{
					ProposalID: id,
					Action:     stmt.ColumnText(1),
					Outcome:    stmt.ColumnText(2),
					Fallback:   stmt.ColumnInt(3) != 0,
					Votes:      stmt.ColumnInt(4),
					Denials:    stmt.ColumnInt(5),
					DecidedAt:  time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
				})
				return nil
			}})
	if err != nil {
		return nil, fmt.Errorf("ledger: listing recent: %w", err)
	}
	return out, nil
}

// Close releases the connection pool. Safe to call more than once;
// later calls return the first result.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		if err := l.pool.Close(); err != nil {
			l.closeErr = fmt.Errorf("ledger: closing %s: %w", l.path, err)
		}
	})
	return l.closeErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
