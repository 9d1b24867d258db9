package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowsync/internal/database/migrations"
	"flowsync/internal/flow"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Schema is the full schema, used to set up test databases without running migrations.
//
//go:embed migrations/files/000001_init.up.sql
var Schema string

// SQLiteDatabase implements flow.Database using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock flow.Clock
}

// NewSQLiteDatabase opens the database at path, or an in-memory database for
// ":memory:". A nil clock uses the real time.
func NewSQLiteDatabase(path string, clock flow.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, clock flow.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = flow.RealClock{}
	}
	return &SQLiteDatabase{db: db, path: path, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection.
// The pool is limited to one connection: SQLite serializes writers anyway,
// and an in-memory database exists only on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// SQLite leaves foreign keys off by default.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate brings the schema up to date.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Operation history

func (s *SQLiteDatabase) CreateOperation(name, parameters string, startedAt time.Time) (*flow.Operation, error) {
	res, err := s.db.Exec(`INSERT INTO operations (name, parameters, started_at) VALUES (?, ?, ?)`, name, parameters, startedAt)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return &flow.Operation{ID: id, Name: name, Parameters: parameters, StartedAt: startedAt}, nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status string, finishedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, finishedAt, status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return expectOne(res, "operation", id)
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*flow.Operation, error) {
	rows, err := s.db.Query(`SELECT id, name, parameters, started_at, finished_at, status FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*flow.Operation
	for rows.Next() {
		var op flow.Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Name, &op.Parameters, &op.StartedAt, &finished, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.FinishedAt = finished.Time
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func (s *SQLiteDatabase) MaxOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation ID: %w", err)
	}
	return id, nil
}

// Maintenance

// Wipe deletes every instance, response and transmission in one transaction.
func (s *SQLiteDatabase) Wipe() error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"transmissions", "responses", "form_instances"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("wiping %s: %w", table, err)
			}
		}
		return nil
	})
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v not found", what, id)
	}
	return nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Compile-time check that SQLiteDatabase implements flow.Database.
var _ flow.Database = (*SQLiteDatabase)(nil)
