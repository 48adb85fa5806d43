// Package persistence implements spec.md §4.9's atomic snapshot store:
// neighbors, routes, and link-stats tables plus metadata, backed by
// modernc.org/sqlite (cgo-free, matching the pack's own driver choice).
package persistence

import (
	"database/sql"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS neighbors (
	call TEXT PRIMARY KEY,
	quality INTEGER NOT NULL,
	lastSeen INTEGER NOT NULL,
	obsolescenceCount INTEGER NOT NULL,
	sourceType TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
	destination TEXT NOT NULL,
	origin TEXT NOT NULL,
	quality INTEGER NOT NULL,
	pathJson TEXT NOT NULL,
	sourceType TEXT NOT NULL,
	lastUpdated INTEGER NOT NULL,
	destinationAlias TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (destination, origin)
);

CREATE TABLE IF NOT EXISTS linkStats (
	fromCall TEXT NOT NULL,
	toCall TEXT NOT NULL,
	quality INTEGER NOT NULL,
	lastUpdated INTEGER NOT NULL,
	dfEstimate REAL,
	drEstimate REAL,
	dupCount INTEGER NOT NULL,
	ewmaQuality REAL NOT NULL,
	obsCount INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (fromCall, toCall)
);

CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	lastPacketID INTEGER NOT NULL,
	configHash TEXT,
	snapshotTimestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS originIntervals (
	origin TEXT PRIMARY KEY,
	estimatedIntervalSeconds REAL NOT NULL,
	lastBroadcast INTEGER NOT NULL,
	broadcastCount INTEGER NOT NULL
);
`

// migrate applies schemaDDL, then spec.md §6's stated migration: an older
// linkStats table missing obsCount gets it added with default 1 (never
// 0), so preexisting rows are not treated as having zero observations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("persistence: create schema: %w", err)
	}

	hasObsCount, err := columnExists(db, "linkStats", "obsCount")
	if err != nil {
		return err
	}
	if !hasObsCount {
		if _, err := db.Exec(`ALTER TABLE linkStats ADD COLUMN obsCount INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("persistence: migrate linkStats.obsCount: %w", err)
		}
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("persistence: inspect schema for %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, fmt.Errorf("persistence: scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
