// Copyright 2026 The Armored OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv is a durable namespaced key/value store backed by a SQLite
// database file.
//
// No handle is kept between calls: every operation opens the database,
// performs a single statement or transaction, and closes it again.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("key not found")

// Store provides access to the key/value database at a fixed path.
type Store struct {
	path string
}

// New returns a Store for the database file at path. The file is created on
// first use.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) dsn() string {
	q := url.Values{}
	// Every committed write must survive power loss.
	q.Set("_sync", "FULL")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	return fmt.Sprintf("file:%s?%s", s.path, q.Encode())
}

// open returns a freshly opened database with the schema in place.
// Callers must close it.
func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %v", s.path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS kv (namespace TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL, PRIMARY KEY (namespace, key))"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise %q: %v", s.path, err)
	}
	return db, nil
}

func closeDB(db *sql.DB, path string) {
	if err := db.Close(); err != nil {
		klog.Errorf("Failed to close %q: %v", path, err)
	}
}

// Get returns the value stored under namespace/key.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	db, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	defer closeDB(db, s.path)

	var v string
	err = db.QueryRowContext(ctx, "SELECT value FROM kv WHERE namespace = ? AND key = ?", namespace, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	case err != nil:
		return "", fmt.Errorf("failed to read %s/%s: %v", namespace, key, err)
	}
	return v, nil
}

// Set stores value under namespace/key, replacing any existing value.
// The write is committed before Set returns.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB(db, s.path)

	if _, err := db.ExecContext(ctx, "INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?) ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value", namespace, key, value); err != nil {
		return fmt.Errorf("failed to write %s/%s: %v", namespace, key, err)
	}
	klog.V(2).Infof("kv: wrote %s/%s", namespace, key)
	return nil
}
