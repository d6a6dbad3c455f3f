package db

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stored in PRAGMA user_version. Bump it when
// schema.sql changes shape.
const schemaVersion = 1

var (
	// ErrQuotaExceeded is returned by writes that would grow
	// the store past its configured byte quota, or that SQLite
	// rejects because the disk is full.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrSchemaTooNew means the file was written by a newer
	// build whose layout this one does not know.
	ErrSchemaTooNew = errors.New("database schema is newer than this build")
)

// DB is the persistent tier: one serialized writer connection
// and a small read-only pool over the same WAL-mode file.
type DB struct {
	path   string
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // held for every write transaction

	// quotaBytes caps the summed size of all stored values
	// across namespaces. Zero disables the check.
	quotaBytes int64
	readConns  int

	// dataVersion is the writer connection's last seen
	// PRAGMA data_version. Guarded by mu.
	dataVersion int64
}

// Option configures a DB at open time.
type Option func(*DB)

// WithQuotaBytes limits the total size of stored values.
func WithQuotaBytes(n int64) Option {
	return func(db *DB) { db.quotaBytes = n }
}

// WithReadConns sets the size of the read-only pool.
func WithReadConns(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.readConns = n
		}
	}
}

func openPool(path string, readOnly bool, conns int) (*sql.DB, error) {
	q := url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
	}
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("_synchronous", "NORMAL")
	}
	pool, err := sql.Open("sqlite3", path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(conns)
	return pool, nil
}

// Open creates or opens the store at path and brings its
// schema up to date. The read pool is opened after the schema
// exists so a fresh file is never opened read-only first.
func Open(path string, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	db := &DB{path: path, readConns: 4}
	for _, opt := range opts {
		opt(db)
	}

	var err error
	if db.writer, err = openPool(path, false, 1); err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	if err := db.migrate(); err != nil {
		db.writer.Close()
		return nil, err
	}
	if _, err := db.ForeignChange(); err != nil {
		db.writer.Close()
		return nil, fmt.Errorf("reading data version: %w", err)
	}
	if db.reader, err = openPool(path, true, db.readConns); err != nil {
		db.writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var version int
	if err := db.writer.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	switch {
	case version > schemaVersion:
		return fmt.Errorf("%s has version %d, want <= %d: %w",
			db.path, version, schemaVersion, ErrSchemaTooNew)
	case version == schemaVersion:
		return nil
	}
	if _, err := db.writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	// PRAGMA does not take bind parameters.
	_, err := db.writer.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// ForeignChange reports whether a connection other than this
// DB's writer has committed to the file since the last call.
// SQLite only moves the writer's data_version for commits made
// elsewhere, so this process's own writes never count.
func (db *DB) ForeignChange() (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var v int64
	if err := db.writer.QueryRow("PRAGMA data_version").Scan(&v); err != nil {
		return false, err
	}
	changed := db.dataVersion != 0 && v != db.dataVersion
	db.dataVersion = v
	return changed, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes both pools.
func (db *DB) Close() error {
	var errs []error
	if db.reader != nil {
		errs = append(errs, db.reader.Close())
	}
	return errors.Join(append(errs, db.writer.Close())...)
}

// Update runs fn in a write transaction, committing when fn
// returns nil. Disk-full failures come back as
// ErrQuotaExceeded.
func (db *DB) Update(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapWriteErr(err)
	}
	return mapWriteErr(tx.Commit())
}

// Reader returns the read-only pool.
func (db *DB) Reader() *sql.DB {
	return db.reader
}

func mapWriteErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
