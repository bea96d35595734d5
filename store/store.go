// Package store is the local durable state behind the label muncher:
// per-publisher replay cursors plus the identity and service-record
// caches, all in one sqlite file.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CacheTTL bounds how long identity and service rows are served
// before a read treats them as a miss.
const CacheTTL = 24 * time.Hour

// ErrCacheMiss is returned by cache reads when no current row exists.
var ErrCacheMiss = errors.New("store: cache miss")

type Store struct {
	db *sql.DB

	// overridable for tests
	now func() time.Time
}

func Open(path string) (*Store, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", path+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	_, err = db.Exec(`
		create table if not exists cursors (
			did text primary key,
			seq integer not null
		);

		create table if not exists identity_cache (
			did text primary key,
			signing_key text not null,
			endpoint text not null,
			pds_endpoint text not null,
			cached_at integer not null
		);

		create table if not exists service_cache (
			did text primary key,
			label_values text not null, -- json array
			cached_at integer not null
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create state tables: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the last persisted sequence for a publisher;
// 0 if the publisher has never been seen.
func (s *Store) Cursor(did string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`select seq from cursors where did = ?`, did).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

// SetCursor persists a publisher's sequence. The cursor never moves
// backward: a seq below the stored one leaves the row untouched, so a
// replayed or out-of-order frame cannot widen the replay window.
func (s *Store) SetCursor(did string, seq int64) error {
	_, err := s.db.Exec(`
		insert into cursors (did, seq)
		values (?, ?)
		on conflict(did) do update set seq = max(seq, excluded.seq)
	`, did, seq)
	return err
}

type Identity struct {
	Did         string
	SigningKey  string // multibase
	Endpoint    string
	PdsEndpoint string
	CachedAt    time.Time
}

func (s *Store) Identity(did string) (*Identity, error) {
	var ident Identity
	var cachedAt int64
	err := s.db.QueryRow(`
		select did, signing_key, endpoint, pds_endpoint, cached_at
		from identity_cache where did = ?
	`, did).Scan(&ident.Did, &ident.SigningKey, &ident.Endpoint, &ident.PdsEndpoint, &cachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	if s.expired(cachedAt) {
		_, _ = s.db.Exec(`delete from identity_cache where did = ?`, did)
		return nil, ErrCacheMiss
	}

	ident.CachedAt = time.Unix(cachedAt, 0)
	return &ident, nil
}

func (s *Store) SetIdentity(ident Identity) error {
	cachedAt := ident.CachedAt
	if cachedAt.IsZero() {
		cachedAt = s.now()
	}
	_, err := s.db.Exec(`
		insert into identity_cache (did, signing_key, endpoint, pds_endpoint, cached_at)
		values (?, ?, ?, ?, ?)
		on conflict(did) do update set
			signing_key = excluded.signing_key,
			endpoint = excluded.endpoint,
			pds_endpoint = excluded.pds_endpoint,
			cached_at = excluded.cached_at
	`, ident.Did, ident.SigningKey, ident.Endpoint, ident.PdsEndpoint, cachedAt.Unix())
	return err
}

type Service struct {
	Did         string
	LabelValues []string
	CachedAt    time.Time
}

func (s *Store) Service(did string) (*Service, error) {
	var svc Service
	var rawValues string
	var cachedAt int64
	err := s.db.QueryRow(`
		select did, label_values, cached_at from service_cache where did = ?
	`, did).Scan(&svc.Did, &rawValues, &cachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	if s.expired(cachedAt) {
		_, _ = s.db.Exec(`delete from service_cache where did = ?`, did)
		return nil, ErrCacheMiss
	}

	if err := json.Unmarshal([]byte(rawValues), &svc.LabelValues); err != nil {
		return nil, fmt.Errorf("corrupt service cache row for %s: %w", did, err)
	}

	svc.CachedAt = time.Unix(cachedAt, 0)
	return &svc, nil
}

func (s *Store) SetService(svc Service) error {
	values := svc.LabelValues
	if values == nil {
		values = []string{}
	}
	rawValues, err := json.Marshal(values)
	if err != nil {
		return err
	}

	cachedAt := svc.CachedAt
	if cachedAt.IsZero() {
		cachedAt = s.now()
	}
	_, err = s.db.Exec(`
		insert into service_cache (did, label_values, cached_at)
		values (?, ?, ?)
		on conflict(did) do update set
			label_values = excluded.label_values,
			cached_at = excluded.cached_at
	`, svc.Did, string(rawValues), cachedAt.Unix())
	return err
}

// InvalidateService force-expires a publisher's service cache row so
// the next read is a miss. Rows for unknown publishers are a no-op.
func (s *Store) InvalidateService(did string) error {
	_, err := s.db.Exec(`
		update service_cache set label_values = '[]', cached_at = 0 where did = ?
	`, did)
	return err
}

// cached_at of 0 is the force-expiry sentinel written by InvalidateService.
func (s *Store) expired(cachedAt int64) bool {
	if cachedAt == 0 {
		return true
	}
	return s.now().Sub(time.Unix(cachedAt, 0)) > CacheTTL
}
