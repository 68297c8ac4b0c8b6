package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// Options tunes the connection pools
type Options struct {
	// ReadConns is the size of the reader pool. Writes always use a single
	// connection.
	ReadConns int
}

// Database owns the SQLite file. Writes go through one serialized connection
// opened with synchronous=FULL, so a committed transaction is on disk when
// Commit returns. Reads use a separate query-only pool and never wait on the
// writer (WAL).
type Database struct {
	writer *sql.DB
	reader *sql.DB
	dbPath string
}

// NewDatabase opens (creating if needed) the database at dbPath and applies
// pending migrations
func NewDatabase(ctx context.Context, dbPath string, opts Options) (*Database, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return nil, errors.New("database path must be a file")
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = 4
	}

	if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", dsn(dbPath, "_txlock=immediate"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &Database{writer: writer, dbPath: dbPath}
	if err := NewMigrator(db).Up(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// opened after migrating so the WAL files exist before query-only readers attach
	reader, err := sql.Open("sqlite3", dsn(dbPath, "_query_only=1"))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(opts.ReadConns)
	reader.SetMaxIdleConns(opts.ReadConns)
	reader.SetConnMaxLifetime(time.Hour)
	db.reader = reader

	return db, nil
}

func dsn(path, extra string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=1&%s", path, extra)
}

// Close closes both pools
func (d *Database) Close() error {
	var err error
	if d.reader != nil {
		err = multierr.Append(err, d.reader.Close())
	}
	if d.writer != nil {
		err = multierr.Append(err, d.writer.Close())
	}
	return err
}

// Writer returns the single-connection write pool
func (d *Database) Writer() *sql.DB {
	return d.writer
}

// Reader returns the query-only pool
func (d *Database) Reader() *sql.DB {
	return d.reader
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

// WithWriteTx runs fn inside an immediate transaction on the writer. The
// transaction holds the write lock for its whole duration.
func (d *Database) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		return multierr.Append(err, ignoreDone(tx.Rollback()))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Health pings both pools
func (d *Database) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return multierr.Append(d.writer.PingContext(ctx), d.reader.PingContext(ctx))
}

// ensureDir ensures a directory exists
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
