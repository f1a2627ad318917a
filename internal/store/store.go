package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// ErrSavepointRollback is returned when the writes of a failed savepoint
// could not be undone. The enclosing transaction must be abandoned.
var ErrSavepointRollback = errors.New("savepoint rollback failed")

// Store is the SQLite-backed GRENMap element store.
type Store struct {
	db    *sql.DB
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides how default element IDs are minted for
// elements created without one.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// Open opens the element store at path, creating it when missing, and
// brings its schema up to date. Opening an existing store again is safe.
//
// The store holds one connection, so every write is serialized.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:    db,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Update runs fn inside a single transaction. The transaction commits when
// fn returns nil and rolls back otherwise, so a phase either lands whole
// or not at all.
//
// The store holds a single connection: fn must do all of its reads through
// tx, never through the Store, or it will block on itself.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, newID: s.newID}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&Tx{tx: sqlTx, newID: s.newID})
}

// Tx exposes store operations inside one transaction.
type Tx struct {
	tx         *sql.Tx
	newID      func() string
	savepoints int
}

// Savepoint runs fn inside a savepoint. When fn fails its writes are
// undone and the error is returned; the transaction stays usable.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("%w: %v (after %v)", ErrSavepointRollback, rbErr, err)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("%w: %v (after %v)", ErrSavepointRollback, relErr, err)
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// pragmas are applied on every open. foreign_keys must be on: membership,
// owner and property rows disappear with their element through cascades.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migration upgrades a database from user_version n to n+1, where n is
// its index in migrations.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	// The completeness resolver scans for the provenance marker on every
	// import.
	{"index property names", `CREATE INDEX IF NOT EXISTS idx_properties_name ON properties(name)`},
	// Dirty marking and garbage collection walk memberships by topology.
	{"index memberships by topology", `CREATE INDEX IF NOT EXISTS idx_memberships_topology ON memberships(topology_pk, element_pk)`},
}

// currentSchemaVersion is the user_version of a fully migrated database.
var currentSchemaVersion = len(migrations)

// applySchema creates missing tables, then runs each pending migration in
// its own transaction together with the user_version bump.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		if err := migrate(db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func migrate(db *sql.DB, to int, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v%d: %w", to, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migrate to v%d (%s): %w", to, m.name, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", to)); err != nil {
		return fmt.Errorf("set user_version %d: %w", to, err)
	}
	return tx.Commit()
}

// verifyPragma checks a pragma value; tests use it to check Open.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
