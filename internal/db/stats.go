package db

import (
	"context"
	"fmt"
)

// Stats summarizes one namespace of the key/value store.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Expired int   `json:"expired"`
}

// GetStats counts entries and stored bytes under namespace.
// Expired counts rows whose expiry is at or before nowMs and
// that have not been purged yet.
func (db *DB) GetStats(
	ctx context.Context, namespace string, nowMs int64,
) (Stats, error) {
	const query = `
		SELECT
			COUNT(*),
			COALESCE(SUM(length(value)), 0),
			COALESCE(SUM(CASE WHEN expires_at IS NOT NULL
				AND expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM kv_entries WHERE namespace = ?`

	var s Stats
	err := db.reader.QueryRowContext(
		ctx, query, nowMs, namespace,
	).Scan(&s.Entries, &s.Bytes, &s.Expired)
	if err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return s, nil
}
