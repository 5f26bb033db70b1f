// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

// MemoryDB can be given to OpenSQLite for a store that lives only in memory.
const MemoryDB = ":memory:"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS models(
	key TEXT PRIMARY KEY,
	metadata BLOB NOT NULL,
	weights BLOB NOT NULL,
	date_saved INTEGER NOT NULL
)`

// SQLiteStore stores artifacts in the "models" table of a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks KeyedMutex
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the SQLite database in path and its "models" table.
// Use MemoryDB as path for a database that lives only in memory.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, errkind.IOf(err, "invalid model store database %q", path)
	}
	if path == "" {
		return nil, errkind.Inputf("model store database not given")
	}
	dsn := path
	if path != MemoryDB {
		// Pragmas in the DSN apply to every connection of the pool.
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.IOf(err, "opening model store database %q", path)
	}
	if path == MemoryDB {
		// Each connection to ":memory:" is a different database.
		db.SetMaxOpenConns(1)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errkind.IOf(err, "creating models table in %q", path)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the path of the database.
func (s *SQLiteStore) Path() string { return s.path }

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) (map[string]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, length(metadata), length(weights), date_saved FROM models")
	if err != nil {
		return nil, errkind.IOf(err, "listing models in %q", s.path)
	}
	defer func() { _ = rows.Close() }()
	all := make(map[string]Info)
	for rows.Next() {
		var info Info
		var dateSaved int64
		if err := rows.Scan(&info.Key, &info.MetadataBytes, &info.WeightBytes, &dateSaved); err != nil {
			return nil, errkind.IOf(err, "listing models in %q", s.path)
		}
		info.DateSaved = time.UnixMilli(dateSaved).UTC()
		all[info.Key] = info
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.IOf(err, "listing models in %q", s.path)
	}
	return all, nil
}

// Stat implements Stater.
func (s *SQLiteStore) Stat(ctx context.Context, key string) (info Info, found bool, err error) {
	if err = ValidateKey(key); err != nil {
		return
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	var dateSaved int64
	err = s.db.QueryRowContext(ctx,
		"SELECT length(metadata), length(weights), date_saved FROM models WHERE key = ?", key).
		Scan(&info.MetadataBytes, &info.WeightBytes, &dateSaved)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, errkind.IOf(err, "reading info of model %q", key)
	}
	info.Key = key
	info.DateSaved = time.UnixMilli(dateSaved).UTC()
	return info, true, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*Artifact, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	artifact := &Artifact{}
	err := s.db.QueryRowContext(ctx, "SELECT metadata, weights FROM models WHERE key = ?", key).
		Scan(&artifact.Metadata, &artifact.Weights)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFoundf("model %q not found in %q", key, s.path)
	}
	if err != nil {
		return nil, errkind.IOf(err, "loading model %q", key)
	}
	return artifact, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, key string, artifact *Artifact) (Info, error) {
	if err := ValidateKey(key); err != nil {
		return Info{}, err
	}
	if err := checkArtifact(key, artifact); err != nil {
		return Info{}, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	info := Info{
		Key:           key,
		MetadataBytes: int64(len(artifact.Metadata)),
		WeightBytes:   int64(len(artifact.Weights)),
		DateSaved:     time.Now().UTC().Truncate(time.Millisecond),
	}
	weights := artifact.Weights
	if weights == nil {
		weights = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models(key, metadata, weights, date_saved) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			metadata = excluded.metadata,
			weights = excluded.weights,
			date_saved = excluded.date_saved`,
		key, artifact.Metadata, weights, info.DateSaved.UnixMilli())
	if err != nil {
		return Info{}, errkind.IOf(err, "saving model %q", key)
	}
	klog.V(1).Infof("modelstore: saved %q in %q (%d bytes)", key, s.path, info.SizeBytes())
	return info, nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM models WHERE key = ?", key)
	if err != nil {
		return errkind.IOf(err, "removing model %q", key)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errkind.IOf(err, "removing model %q", key)
	}
	if n == 0 {
		return errkind.NotFoundf("model %q not found in %q", key, s.path)
	}
	klog.V(1).Infof("modelstore: removed %q from %q", key, s.path)
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errkind.IOf(err, "closing %q", s.path)
	}
	return nil
}
