package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Entry is one persisted key/value row. Times are Unix
// milliseconds; a nil ExpiresAt never expires.
type Entry struct {
	Key       string
	Value     []byte
	WrittenAt int64
	ExpiresAt *int64
}

// EntryAge is the metadata used to pick eviction victims.
type EntryAge struct {
	Key       string
	WrittenAt int64
	ExpiresAt *int64
}

// Expired reports whether the entry is past its expiry at
// nowMs.
func (a EntryAge) Expired(nowMs int64) bool {
	return a.ExpiresAt != nil && nowMs >= *a.ExpiresAt
}

// PutEntry inserts or replaces an entry under namespace. When a
// quota is configured the write is refused with
// ErrQuotaExceeded if the new total would exceed it.
func (db *DB) PutEntry(namespace string, e Entry) error {
	return db.Update(func(tx *sql.Tx) error {
		if db.quotaBytes > 0 {
			var used int64
			err := tx.QueryRow(
				`SELECT COALESCE(SUM(length(value)), 0)
				 FROM kv_entries
				 WHERE NOT (namespace = ? AND key = ?)`,
				namespace, e.Key,
			).Scan(&used)
			if err != nil {
				return fmt.Errorf("measuring usage: %w", err)
			}
			if used+int64(len(e.Value)) > db.quotaBytes {
				return fmt.Errorf(
					"writing %s/%s (%d bytes, %d in use): %w",
					namespace, e.Key, len(e.Value), used,
					ErrQuotaExceeded,
				)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO kv_entries
			     (namespace, key, value, written_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET
			     value = excluded.value,
			     written_at = excluded.written_at,
			     expires_at = excluded.expires_at`,
			namespace, e.Key, e.Value, e.WrittenAt,
			nullInt64(e.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("writing %s/%s: %w", namespace, e.Key, err)
		}
		return nil
	})
}

// GetEntry returns the entry stored under namespace/key. The
// boolean is false when no row exists.
func (db *DB) GetEntry(namespace, key string) (Entry, bool, error) {
	var (
		e       Entry
		expires sql.NullInt64
	)
	err := db.reader.QueryRow(
		`SELECT key, value, written_at, expires_at
		 FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&e.Key, &e.Value, &e.WrittenAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf(
			"reading %s/%s: %w", namespace, key, err,
		)
	}
	if expires.Valid {
		e.ExpiresAt = &expires.Int64
	}
	return e, true, nil
}

// DeleteEntry removes a single entry. Missing keys are not an
// error.
func (db *DB) DeleteEntry(namespace, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.writer.Exec(
		"DELETE FROM kv_entries WHERE namespace = ? AND key = ?",
		namespace, key,
	)
	return err
}

// DeleteEntries removes the given keys in a single transaction.
func (db *DB) DeleteEntries(namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return db.Update(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"DELETE FROM kv_entries WHERE namespace = ? AND key = ?",
		)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, k := range keys {
			if _, err := stmt.Exec(namespace, k); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", namespace, k, err)
			}
		}
		return nil
	})
}

// ClearNamespace removes every entry under namespace and leaves
// other namespaces untouched.
func (db *DB) ClearNamespace(namespace string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.writer.Exec(
		"DELETE FROM kv_entries WHERE namespace = ?", namespace,
	)
	return err
}

// ListEntryAges returns key metadata for namespace ordered by
// written_at ascending (oldest first), ties broken by key.
func (db *DB) ListEntryAges(namespace string) ([]EntryAge, error) {
	rows, err := db.reader.Query(
		`SELECT key, written_at, expires_at FROM kv_entries
		 WHERE namespace = ?
		 ORDER BY written_at ASC, key ASC`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s entries: %w", namespace, err)
	}
	defer rows.Close()

	var ages []EntryAge
	for rows.Next() {
		var (
			a       EntryAge
			expires sql.NullInt64
		)
		if err := rows.Scan(&a.Key, &a.WrittenAt, &expires); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if expires.Valid {
			a.ExpiresAt = &expires.Int64
		}
		ages = append(ages, a)
	}
	return ages, rows.Err()
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
