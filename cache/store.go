// Package cache persists computed FID sets keyed by filter fingerprints so
// chained filter steps can reuse prior results instead of recomputing
// spatial joins. Store failures are soft by policy: a locked or corrupt
// cache database degrades to "no cache" and never aborts the enclosing
// filter operation.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/filtermate/filtermate-go/engine"
	"github.com/filtermate/filtermate-go/fidset"
	"github.com/filtermate/filtermate-go/logging"
)

// ErrEmptyFIDs is returned when a caller tries to persist an empty FID set.
// Persisting "no results" would mask future correct results recomputed under
// the same fingerprint, so this is treated as a contract violation.
var ErrEmptyFIDs = errors.New("cache: refusing to store empty FID list")

const cacheSchema = `
CREATE TABLE IF NOT EXISTS filter_cache (
    fingerprint_key TEXT PRIMARY KEY,
    layer_id        TEXT NOT NULL,
    fid_list        TEXT NOT NULL,
    step_number     INTEGER NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    expires_at      TIMESTAMP NOT NULL,
    metadata_json   TEXT
);
CREATE INDEX IF NOT EXISTS idx_filter_cache_layer ON filter_cache(layer_id);
`

// EntryMetadata is stored alongside each cached FID list for log
// correlation and diagnostics.
type EntryMetadata struct {
	Backend     string   `json:"backend,omitempty"`
	Predicates  []string `json:"predicates,omitempty"`
	LocationTag string   `json:"location_tag,omitempty"`
}

// Store is a durable fingerprint -> FID list mapping backed by one SQLite
// database file (one store per project database).
type Store struct {
	db     *sql.DB
	dbPath string
	ttl    time.Duration
}

// DefaultTTL bounds cache entry lifetime when the caller does not override
// it.
const DefaultTTL = 2 * time.Hour

// DefaultBusyTimeout keeps lock waits sub-second so a contended database
// degrades to a cache miss instead of stalling the filter operation.
const DefaultBusyTimeout = 500 * time.Millisecond

// NewStore opens (or creates) the cache database at dbPath and ensures the
// schema exists. ttl <= 0 selects DefaultTTL.
func NewStore(dbPath string, ttl time.Duration) (*Store, error) {
	db, err := engine.OpenWithBusyTimeout(dbPath, DefaultBusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ensure schema: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, dbPath: dbPath, ttl: ttl}, nil
}

// NewStoreWithDB wraps an already opened database (tests, shared handles).
func NewStoreWithDB(db *sql.DB, ttl time.Duration) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("cache: db is nil")
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		return nil, fmt.Errorf("cache: ensure schema: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DBPath returns the backing database file path, "" for wrapped handles.
func (s *Store) DBPath() string { return s.dbPath }

// GetPreviousFilterFIDs looks up the most recent non-expired entry for the
// fingerprint of (layer, source geometry, buffer, predicates). A miss
// returns (nil, 0, false); store failures are logged and reported as misses.
func (s *Store) GetPreviousFilterFIDs(layerID, sourceWKT string, buffer float64, predicates []string) (*fidset.Set, int, bool) {
	fp := NewFingerprint(layerID, sourceWKT, buffer, predicates)
	row := s.db.QueryRow(
		`SELECT fid_list, step_number FROM filter_cache
		 WHERE fingerprint_key = ? AND expires_at > ?`,
		fp.Key(), time.Now().UTC())
	var list string
	var step int
	if err := row.Scan(&list, &step); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Log.Debugf("cache: lookup failed for %s: %v", fp.Key(), err)
		}
		return nil, 0, false
	}
	fids, err := decodeFIDList(list)
	if err != nil {
		logging.Log.Debugf("cache: corrupt fid list for %s: %v", fp.Key(), err)
		return nil, 0, false
	}
	return fids, step, true
}

// StoreFilterFIDs inserts or replaces the entry for the fingerprint and
// returns the opaque cache key (used only for logging). Storing an empty set
// is rejected with ErrEmptyFIDs. Database failures are soft: they are logged
// and the key is returned as if stored, since the filter result itself does
// not depend on the cache.
func (s *Store) StoreFilterFIDs(layerID string, fids *fidset.Set, sourceWKT string, predicates []string, buffer float64, step int, meta EntryMetadata) (string, error) {
	if fids == nil || fids.IsEmpty() {
		return "", ErrEmptyFIDs
	}
	fp := NewFingerprint(layerID, sourceWKT, buffer, predicates)
	key := fp.Key()
	now := time.Now().UTC()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO filter_cache(fingerprint_key, layer_id, fid_list, step_number, created_at, expires_at, metadata_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint_key) DO UPDATE SET
		   fid_list = excluded.fid_list,
		   step_number = excluded.step_number,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at,
		   metadata_json = excluded.metadata_json`,
		key, layerID, encodeFIDList(fids), step, now, now.Add(s.ttl), string(metaJSON))
	logging.LogIfErr(err, "cache: store failed for %s (proceeding uncached)", key)
	return key, nil
}

// IntersectFilterFIDs loads the previous FID set for the fingerprint and
// intersects it with newFIDs, advancing the step counter. When there is no
// previous entry the new set is returned unchanged with step 1.
func (s *Store) IntersectFilterFIDs(layerID string, newFIDs *fidset.Set, sourceWKT string, buffer float64, predicates []string) (*fidset.Set, int) {
	prev, step, ok := s.GetPreviousFilterFIDs(layerID, sourceWKT, buffer, predicates)
	if !ok {
		return newFIDs, 1
	}
	combined, err := newFIDs.Combine(prev, fidset.OpAnd)
	if err != nil {
		logging.Log.Debugf("cache: intersect failed on %s: %v", layerID, err)
		return newFIDs, 1
	}
	return combined, step + 1
}

// PurgeExpired removes expired entries; returns the count removed.
func (s *Store) PurgeExpired() int {
	res, err := s.db.Exec(`DELETE FROM filter_cache WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		logging.Log.Debugf("cache: purge failed: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// ClearLayer removes every entry for the given layer; returns the count
// removed. Used when a layer's filter chain is reset.
func (s *Store) ClearLayer(layerID string) int {
	res, err := s.db.Exec(`DELETE FROM filter_cache WHERE layer_id = ?`, layerID)
	if err != nil {
		logging.Log.Debugf("cache: clear layer %s failed: %v", layerID, err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// CleanupSession deletes every cache entry and drops any backend temporary
// materializations (tables and views prefixed fm_temp_) left in the
// database. Idempotent: a second call when nothing remains returns 0.
func (s *Store) CleanupSession() int {
	removed := 0
	if res, err := s.db.Exec(`DELETE FROM filter_cache`); err == nil {
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	} else {
		logging.Log.Debugf("cache: session cleanup failed: %v", err)
	}

	rows, err := s.db.Query(
		`SELECT name, type FROM sqlite_master
		 WHERE type IN ('table', 'view') AND name LIKE 'fm_temp_%'`)
	if err != nil {
		logging.Log.Debugf("cache: temp object scan failed: %v", err)
		return removed
	}
	type obj struct{ name, kind string }
	var objs []obj
	for rows.Next() {
		var o obj
		if err := rows.Scan(&o.name, &o.kind); err == nil {
			objs = append(objs, o)
		}
	}
	rows.Close()
	for _, o := range objs {
		stmt := "DROP TABLE IF EXISTS " + quoteIdent(o.name)
		if o.kind == "view" {
			stmt = "DROP VIEW IF EXISTS " + quoteIdent(o.name)
		}
		if _, err := s.db.Exec(stmt); err != nil {
			logging.Log.Debugf("cache: drop %s %s failed: %v", o.kind, o.name, err)
			continue
		}
		removed++
	}
	return removed
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func encodeFIDList(fids *fidset.Set) string {
	ids := fids.ToSlice()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func decodeFIDList(list string) (*fidset.Set, error) {
	out := fidset.New()
	if list == "" {
		return out, nil
	}
	for _, part := range strings.Split(list, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: bad fid %q: %w", part, err)
		}
		out.Add(id)
	}
	return out, nil
}
