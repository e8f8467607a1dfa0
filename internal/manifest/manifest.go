// Package manifest persists the outcome of every transfer, keyed by
// (provider, remote key). It backs skip-existing decisions, history, duplicate
// detection and orphan cleanup, and survives process restarts.
package manifest

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/imgbak/imgbak/internal/errkind"
)

// Outcome is the terminal state of one transfer attempt series.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Operation is the transfer direction a record was written for.
type Operation string

const (
	OpBackup Operation = "backup"
	OpUpload Operation = "upload"
)

// Record is one row per (provider, remote key). Created on the first
// transfer, updated on every subsequent attempt, removed only by Cleanup.
type Record struct {
	Provider  string
	Key       string
	LocalPath string
	Digest    string // sha256 hex of the local content; empty if never fingerprinted
	Size      int64
	Operation Operation
	Outcome   Outcome
	Error     string // terminal error of the last failed attempt series
	Retries   int    // retries spent by the last attempt series
	UpdatedAt time.Time
}

// Stats aggregates the manifest for the stats command.
type Stats struct {
	Records     int
	TotalBytes  int64
	ByOutcome   map[Outcome]int
	ByOperation map[Operation]int
	ByProvider  map[string]int
}

// Group is a set of records sharing one content fingerprint.
type Group struct {
	Digest  string
	Records []Record
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	provider    TEXT NOT NULL,
	remote_key  TEXT NOT NULL,
	local_path  TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	operation   TEXT NOT NULL DEFAULT 'backup',
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	retries     INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (provider, remote_key)
);
CREATE INDEX IF NOT EXISTS idx_records_fingerprint ON records(fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
`

// Store is the SQLite-backed manifest. All methods are safe for concurrent
// use; a single mutex serializes access since contention is low (one write
// per completed task).
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the manifest database at path. Failures
// here or on any later read are ManifestCorruption: skip and dedup decisions
// cannot be trusted, so the caller must abort the run.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errkind.New(errkind.LocalIO, "manifest_open", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errkind.New(errkind.ManifestCorruption, "manifest_open", err)
	}
	// The store serializes its own access; one connection keeps SQLite happy.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errkind.New(errkind.ManifestCorruption, "manifest_open", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Lookup returns the record for (provider, key), reporting whether it exists.
func (s *Store) Lookup(provider, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT provider, remote_key, local_path, fingerprint, size, operation, outcome, error, retries, updated_at
		FROM records WHERE provider = ? AND remote_key = ?
	`, provider, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errkind.New(errkind.ManifestCorruption, "manifest_lookup", err)
	}
	return rec, true, nil
}

// Record upserts rec; last write wins per (provider, key).
func (s *Store) Record(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO records
			(provider, remote_key, local_path, fingerprint, size, operation, outcome, error, retries, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Provider, rec.Key, rec.LocalPath, rec.Digest, rec.Size,
		string(rec.Operation), string(rec.Outcome), rec.Error, rec.Retries, rec.UpdatedAt)
	if err != nil {
		return errkind.New(errkind.ManifestCorruption, "manifest_record", err)
	}
	return nil
}

// Touch refreshes only the timestamp of an existing record. Skipped objects
// are touched so reruns keep skipping them; outcome and fingerprint stay.
func (s *Store) Touch(provider, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		UPDATE records SET updated_at = ? WHERE provider = ? AND remote_key = ?
	`, at, provider, key)
	if err != nil {
		return errkind.New(errkind.ManifestCorruption, "manifest_touch", err)
	}
	return nil
}

// History returns records most recent first. provider filters when non-empty;
// limit <= 0 means no limit.
func (s *Store) History(provider string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := `
		SELECT provider, remote_key, local_path, fingerprint, size, operation, outcome, error, retries, updated_at
		FROM records
	`
	var args []any
	if provider != "" {
		q += ` WHERE provider = ?`
		args = append(args, provider)
	}
	q += ` ORDER BY updated_at DESC, provider, remote_key`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errkind.New(errkind.ManifestCorruption, "manifest_history", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

// FindDuplicates groups records sharing a fingerprint, across providers and
// paths. Each record appears in at most one group; records without a
// fingerprint are never grouped.
func (s *Store) FindDuplicates() ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT provider, remote_key, local_path, fingerprint, size, operation, outcome, error, retries, updated_at
		FROM records
		WHERE fingerprint != '' AND fingerprint IN (
			SELECT fingerprint FROM records WHERE fingerprint != ''
			GROUP BY fingerprint HAVING COUNT(*) > 1
		)
		ORDER BY fingerprint, provider, remote_key
	`)
	if err != nil {
		return nil, errkind.New(errkind.ManifestCorruption, "manifest_duplicates", err)
	}
	defer func() { _ = rows.Close() }()

	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for _, rec := range recs {
		if n := len(groups); n > 0 && groups[n-1].Digest == rec.Digest {
			groups[n-1].Records = append(groups[n-1].Records, rec)
			continue
		}
		groups = append(groups, Group{Digest: rec.Digest, Records: []Record{rec}})
	}
	return groups, nil
}

// Cleanup removes records whose local file no longer exists. A record whose
// file is still on disk is never removed, even if the remote object vanished.
// With dryRun the orphans are returned but nothing is deleted.
func (s *Store) Cleanup(dryRun bool) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT provider, remote_key, local_path, fingerprint, size, operation, outcome, error, retries, updated_at
		FROM records ORDER BY provider, remote_key
	`)
	if err != nil {
		return nil, errkind.New(errkind.ManifestCorruption, "manifest_cleanup", err)
	}
	recs, err := collectRecords(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	var orphans []Record
	for _, rec := range recs {
		if rec.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(rec.LocalPath); err == nil || !os.IsNotExist(err) {
			continue
		}
		orphans = append(orphans, rec)
	}
	if dryRun {
		return orphans, nil
	}

	for _, rec := range orphans {
		if _, err := s.db.Exec(
			`DELETE FROM records WHERE provider = ? AND remote_key = ?`,
			rec.Provider, rec.Key,
		); err != nil {
			return nil, errkind.New(errkind.ManifestCorruption, "manifest_cleanup", err)
		}
	}
	return orphans, nil
}

// Stats aggregates record counts and sizes.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		ByOutcome:   map[Outcome]int{},
		ByOperation: map[Operation]int{},
		ByProvider:  map[string]int{},
	}

	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM records`).
		Scan(&st.Records, &st.TotalBytes)
	if err != nil {
		return Stats{}, errkind.New(errkind.ManifestCorruption, "manifest_stats", err)
	}

	if err := s.countBy(`SELECT outcome, COUNT(*) FROM records GROUP BY outcome`, func(k string, n int) {
		st.ByOutcome[Outcome(k)] = n
	}); err != nil {
		return Stats{}, err
	}
	if err := s.countBy(`SELECT operation, COUNT(*) FROM records GROUP BY operation`, func(k string, n int) {
		st.ByOperation[Operation(k)] = n
	}); err != nil {
		return Stats{}, err
	}
	if err := s.countBy(`SELECT provider, COUNT(*) FROM records GROUP BY provider`, func(k string, n int) {
		st.ByProvider[k] = n
	}); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Store) countBy(query string, add func(string, int)) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return errkind.New(errkind.ManifestCorruption, "manifest_stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return errkind.New(errkind.ManifestCorruption, "manifest_stats", err)
		}
		add(k, n)
	}
	if err := rows.Err(); err != nil {
		return errkind.New(errkind.ManifestCorruption, "manifest_stats", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var op, outcome string
	err := row.Scan(&rec.Provider, &rec.Key, &rec.LocalPath, &rec.Digest, &rec.Size,
		&op, &outcome, &rec.Error, &rec.Retries, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Operation = Operation(op)
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errkind.New(errkind.ManifestCorruption, "manifest_scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.ManifestCorruption, "manifest_scan", err)
	}
	return out, nil
}
