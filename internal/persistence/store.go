package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/axterm-go/engine/internal/netrom"
)

// LinkStatRecord is linkquality.LinkStat's persistable projection — the
// estimator's internal arrival tracker is not part of the stored shape,
// per spec.md §4.9's "evidence preservation" (only observationCount,
// duplicateCount, dfEstimate, drEstimate, ewmaQuality, quality,
// lastUpdated round-trip).
type LinkStatRecord struct {
	FromCall         string
	ToCall           string
	Quality          int
	LastUpdated      time.Time
	DFEstimate       *float64
	DREstimate       *float64
	DuplicateCount   int
	ObservationCount int
	EWMAQuality      float64
}

// Snapshot is spec.md §4.9's persisted state shape.
type Snapshot struct {
	Neighbors             []netrom.Neighbor
	Routes                []netrom.Route
	LinkStats             []LinkStatRecord
	LastProcessedPacketID uint64
	ConfigHash            string
	SnapshotTimestamp     time.Time
}

// OriginInterval is one row of spec.md §4.9's inter-broadcast interval
// tracking.
type OriginInterval struct {
	Origin                   string
	EstimatedIntervalSeconds float64
	LastBroadcast            time.Time
	BroadcastCount           int
}

// PruneCounts is pruneOldEntries's per-table deletion tally.
type PruneCounts struct {
	Neighbors int
	Routes    int
	LinkStats int
}

// Store is spec.md §4.9's snapshot store, backed by a single SQLite
// database file via modernc.org/sqlite (pure Go, no cgo).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot writes snap atomically: a full replace of the three data
// tables plus metadata, in one transaction, per spec.md §4.9.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM neighbors", "DELETE FROM routes", "DELETE FROM linkStats"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: clear table: %w", err)
		}
	}

	for _, n := range snap.Neighbors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO neighbors (call, quality, lastSeen, obsolescenceCount, sourceType) VALUES (?, ?, ?, ?, ?)`,
			n.Callsign, n.Quality, n.LastSeen.Unix(), n.ObsolescenceCount, n.SourceType.String(),
		); err != nil {
			return fmt.Errorf("persistence: insert neighbor %s: %w", n.Callsign, err)
		}
	}

	for _, r := range snap.Routes {
		pathJSON, err := json.Marshal(r.Path)
		if err != nil {
			return fmt.Errorf("persistence: marshal route path for %s: %w", r.Destination, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (destination, origin, quality, pathJson, sourceType, lastUpdated, destinationAlias) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Destination, r.Origin, r.Quality, string(pathJSON), r.SourceType.String(), r.LastUpdated.Unix(), r.DestinationAlias,
		); err != nil {
			return fmt.Errorf("persistence: insert route %s/%s: %w", r.Destination, r.Origin, err)
		}
	}

	for _, ls := range snap.LinkStats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO linkStats (fromCall, toCall, quality, lastUpdated, dfEstimate, drEstimate, dupCount, ewmaQuality, obsCount)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ls.FromCall, ls.ToCall, ls.Quality, ls.LastUpdated.Unix(), ls.DFEstimate, ls.DREstimate, ls.DuplicateCount, ls.EWMAQuality, ls.ObservationCount,
		); err != nil {
			return fmt.Errorf("persistence: insert link stat %s->%s: %w", ls.FromCall, ls.ToCall, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (id, lastPacketID, configHash, snapshotTimestamp) VALUES (0, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET lastPacketID = excluded.lastPacketID, configHash = excluded.configHash, snapshotTimestamp = excluded.snapshotTimestamp`,
		snap.LastProcessedPacketID, snap.ConfigHash, snap.SnapshotTimestamp.Unix(),
	); err != nil {
		return fmt.Errorf("persistence: upsert meta: %w", err)
	}

	return tx.Commit()
}

// sanitizeTimestamp implements spec.md §4.9's "timestamp sanitization":
// any value that is not a plausible finite positive epoch (≤ 0, or so far
// in the past it is indistinguishable from a zero/sentinel value) is
// replaced with now minus slidingWindow. "Plausible" is taken literally as
// "any positive Unix second count", matching the stated "epoch year 1970+
// is preserved".
func sanitizeTimestamp(unixSeconds int64, now time.Time, slidingWindow time.Duration) time.Time {
	if unixSeconds <= 0 {
		return now.Add(-slidingWindow)
	}
	return time.Unix(unixSeconds, 0)
}

// LoadSnapshot implements spec.md §4.9's load validity rules: stale
// snapshots and config-hash mismatches return (nil, nil) rather than an
// error, since "invalid to load" is an expected, not exceptional,
// outcome. Every stored entry is returned (expired entries are kept for
// display; TTL only zeroes quality, which is this package's caller's
// responsibility to apply — this store returns raw persisted quality).
func (s *Store) LoadSnapshot(ctx context.Context, expectedConfigHash string, maxSnapshotAge time.Duration, now time.Time) (*Snapshot, error) {
	var (
		lastPacketID      uint64
		configHash        sql.NullString
		snapshotTimestamp int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT lastPacketID, configHash, snapshotTimestamp FROM meta WHERE id = 0`).
		Scan(&lastPacketID, &configHash, &snapshotTimestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: load meta: %w", err)
	}

	snapTime := sanitizeTimestamp(snapshotTimestamp, now, 0)
	if now.Sub(snapTime) > maxSnapshotAge {
		return nil, nil
	}
	if expectedConfigHash != configHash.String {
		return nil, nil
	}

	neighbors, err := s.loadNeighbors(ctx, now)
	if err != nil {
		return nil, err
	}
	routes, err := s.loadRoutes(ctx, now)
	if err != nil {
		return nil, err
	}
	linkStats, err := s.loadLinkStats(ctx, now)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Neighbors:             neighbors,
		Routes:                routes,
		LinkStats:             linkStats,
		LastProcessedPacketID: lastPacketID,
		ConfigHash:            configHash.String,
		SnapshotTimestamp:     snapTime,
	}, nil
}

func parseNeighborSourceType(s string) netrom.NeighborSourceType {
	if s == "inferred" {
		return netrom.NeighborInferred
	}
	return netrom.NeighborClassic
}

func parseRouteSourceType(s string) netrom.RouteSourceType {
	switch s {
	case "inferred":
		return netrom.RouteInferred
	case "classic":
		return netrom.RouteClassic
	default:
		return netrom.RouteBroadcast
	}
}

// loadNeighbors returns every neighbor ordered by descending quality then
// callsign, per spec.md §4.9's deterministic load ordering.
func (s *Store) loadNeighbors(ctx context.Context, now time.Time) ([]netrom.Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT call, quality, lastSeen, obsolescenceCount, sourceType FROM neighbors ORDER BY quality DESC, call ASC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load neighbors: %w", err)
	}
	defer rows.Close()

	var out []netrom.Neighbor
	for rows.Next() {
		var (
			call       string
			quality    int
			lastSeen   int64
			obsCount   int
			sourceType string
		)
		if err := rows.Scan(&call, &quality, &lastSeen, &obsCount, &sourceType); err != nil {
			return nil, fmt.Errorf("persistence: scan neighbor: %w", err)
		}
		out = append(out, netrom.Neighbor{
			Callsign:          call,
			Quality:           quality,
			LastSeen:          sanitizeTimestamp(lastSeen, now, 0),
			ObsolescenceCount: obsCount,
			SourceType:        parseNeighborSourceType(sourceType),
		})
	}
	return out, rows.Err()
}

// loadRoutes returns every route ordered by ascending destination then
// descending quality then origin, per spec.md §4.9.
func (s *Store) loadRoutes(ctx context.Context, now time.Time) ([]netrom.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT destination, origin, quality, pathJson, sourceType, lastUpdated, destinationAlias FROM routes ORDER BY destination ASC, quality DESC, origin ASC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load routes: %w", err)
	}
	defer rows.Close()

	var out []netrom.Route
	for rows.Next() {
		var (
			destination, origin, pathJSON, sourceType, destinationAlias string
			quality                                                     int
			lastUpdated                                                 int64
		)
		if err := rows.Scan(&destination, &origin, &quality, &pathJSON, &sourceType, &lastUpdated, &destinationAlias); err != nil {
			return nil, fmt.Errorf("persistence: scan route: %w", err)
		}
		var path []string
		if err := json.Unmarshal([]byte(pathJSON), &path); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal path for %s/%s: %w", destination, origin, err)
		}
		out = append(out, netrom.Route{
			Destination:      destination,
			Origin:           origin,
			Quality:          quality,
			Path:             path,
			LastUpdated:      sanitizeTimestamp(lastUpdated, now, 0),
			SourceType:       parseRouteSourceType(sourceType),
			DestinationAlias: destinationAlias,
		})
	}
	return out, rows.Err()
}

// loadLinkStats returns every link stat ordered by (fromCall, toCall), per
// spec.md §4.9.
func (s *Store) loadLinkStats(ctx context.Context, now time.Time) ([]LinkStatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fromCall, toCall, quality, lastUpdated, dfEstimate, drEstimate, dupCount, ewmaQuality, obsCount FROM linkStats ORDER BY fromCall ASC, toCall ASC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load link stats: %w", err)
	}
	defer rows.Close()

	var out []LinkStatRecord
	for rows.Next() {
		var (
			fromCall, toCall string
			quality          int
			lastUpdated      int64
			dfEstimate       sql.NullFloat64
			drEstimate       sql.NullFloat64
			dupCount         int
			ewmaQuality      float64
			obsCount         int
		)
		if err := rows.Scan(&fromCall, &toCall, &quality, &lastUpdated, &dfEstimate, &drEstimate, &dupCount, &ewmaQuality, &obsCount); err != nil {
			return nil, fmt.Errorf("persistence: scan link stat: %w", err)
		}
		rec := LinkStatRecord{
			FromCall:         fromCall,
			ToCall:           toCall,
			Quality:          quality,
			LastUpdated:      sanitizeTimestamp(lastUpdated, now, 0),
			DuplicateCount:   dupCount,
			ObservationCount: obsCount,
			EWMAQuality:      ewmaQuality,
		}
		if dfEstimate.Valid {
			v := dfEstimate.Float64
			rec.DFEstimate = &v
		}
		if drEstimate.Valid {
			v := drEstimate.Float64
			rec.DREstimate = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordOriginInterval implements spec.md §4.9's NODES origin
// inter-broadcast interval tracking: the first record for an origin
// establishes it; records within 10s of the previous are ignored as
// duplicates; otherwise the interval is EWMA-updated with α=0.3.
// Callsigns are normalized on write.
func (s *Store) RecordOriginInterval(ctx context.Context, origin string, now time.Time) error {
	call := strings.ToUpper(strings.TrimSpace(origin))

	var (
		estimated      float64
		lastBroadcast  int64
		broadcastCount int
	)
	err := s.db.QueryRowContext(ctx, `SELECT estimatedIntervalSeconds, lastBroadcast, broadcastCount FROM originIntervals WHERE origin = ?`, call).
		Scan(&estimated, &lastBroadcast, &broadcastCount)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO originIntervals (origin, estimatedIntervalSeconds, lastBroadcast, broadcastCount) VALUES (?, 0, ?, 1)`,
			call, now.Unix())
		return err
	case err != nil:
		return fmt.Errorf("persistence: load origin interval for %s: %w", call, err)
	}

	last := time.Unix(lastBroadcast, 0)
	elapsed := now.Sub(last)
	if elapsed < 10*time.Second {
		return nil // duplicate broadcast, ignored.
	}

	const alpha = 0.3
	newEstimate := estimated
	if broadcastCount <= 1 {
		newEstimate = elapsed.Seconds()
	} else {
		newEstimate = alpha*elapsed.Seconds() + (1-alpha)*estimated
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE originIntervals SET estimatedIntervalSeconds = ?, lastBroadcast = ?, broadcastCount = broadcastCount + 1 WHERE origin = ?`,
		newEstimate, now.Unix(), call)
	return err
}

// OriginIntervals returns every tracked origin's interval record, ordered
// by origin callsign.
func (s *Store) OriginIntervals(ctx context.Context) ([]OriginInterval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin, estimatedIntervalSeconds, lastBroadcast, broadcastCount FROM originIntervals ORDER BY origin ASC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load origin intervals: %w", err)
	}
	defer rows.Close()

	var out []OriginInterval
	for rows.Next() {
		var (
			origin         string
			estimated      float64
			lastBroadcast  int64
			broadcastCount int
		)
		if err := rows.Scan(&origin, &estimated, &lastBroadcast, &broadcastCount); err != nil {
			return nil, fmt.Errorf("persistence: scan origin interval: %w", err)
		}
		out = append(out, OriginInterval{
			Origin:                   origin,
			EstimatedIntervalSeconds: estimated,
			LastBroadcast:            time.Unix(lastBroadcast, 0),
			BroadcastCount:           broadcastCount,
		})
	}
	return out, rows.Err()
}

// PruneOldEntries implements spec.md §4.9's retention pruning: deletes any
// neighbor/route/link-stat whose lastUpdated/lastSeen is older than
// retentionDays, returning the per-table deleted counts.
func (s *Store) PruneOldEntries(ctx context.Context, retentionDays int, now time.Time) (PruneCounts, error) {
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour).Unix()

	var counts PruneCounts
	res, err := s.db.ExecContext(ctx, `DELETE FROM neighbors WHERE lastSeen < ?`, cutoff)
	if err != nil {
		return counts, fmt.Errorf("persistence: prune neighbors: %w", err)
	}
	n, _ := res.RowsAffected()
	counts.Neighbors = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM routes WHERE lastUpdated < ?`, cutoff)
	if err != nil {
		return counts, fmt.Errorf("persistence: prune routes: %w", err)
	}
	n, _ = res.RowsAffected()
	counts.Routes = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM linkStats WHERE lastUpdated < ?`, cutoff)
	if err != nil {
		return counts, fmt.Errorf("persistence: prune link stats: %w", err)
	}
	n, _ = res.RowsAffected()
	counts.LinkStats = int(n)

	return counts, nil
}
