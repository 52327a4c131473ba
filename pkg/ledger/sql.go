package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects to driver ("sqlite" or "postgres") and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var dialect Dialect
	switch driver {
	case "", "sqlite":
		driver, dialect = "sqlite", DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pisa_seals (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	host_session_id TEXT NOT NULL,
	target_location TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	state TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	chain_hash TEXT NOT NULL DEFAULT '',
	chain_separator TEXT NOT NULL DEFAULT '',
	stages TEXT NOT NULL,
	isolation_snapshot_hash TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at_ms BIGINT NOT NULL
);
`

const selectColumns = `id, run_id, host_session_id, target_location, success, state, error_kind, error,
	chain_hash, chain_separator, stages, isolation_snapshot_hash, duration_ms, created_at_ms`

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Put(ctx context.Context, e Entry) error {
	query := s.rebind(`
		INSERT INTO pisa_seals (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.RunID, e.HostSessionID, e.TargetLocation, e.Success, e.State, e.ErrorKind, e.Error,
		e.ChainHash, e.Separator, e.Stages, e.IsolationSnapshotHash, e.DurationMs, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ledger: put %s: %w", e.RunID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, runID string) (Entry, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM pisa_seals WHERE run_id = ?`)
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`SELECT ` + selectColumns + ` FROM pisa_seals ORDER BY created_at_ms DESC, id LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var createdMs int64
	err := row.Scan(&e.ID, &e.RunID, &e.HostSessionID, &e.TargetLocation, &e.Success, &e.State, &e.ErrorKind, &e.Error,
		&e.ChainHash, &e.Separator, &e.Stages, &e.IsolationSnapshotHash, &e.DurationMs, &createdMs)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	return e, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
