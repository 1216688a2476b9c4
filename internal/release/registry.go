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

// Package release builds and records signed firmware releases.
package release

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/transparency-dev/armored-ota/internal/version"
	"k8s.io/klog/v2"
)

// FirstVersion is the version assigned when the registry is empty.
const FirstVersion = "1.0.0"

// ErrExists is returned when recording a version which is already registered.
var ErrExists = errors.New("version already released")

// Release is a published firmware release.
type Release struct {
	Version      string
	FirmwareURL  string
	SignatureURL string
	Checksum     string
	Changelog    string
	DeployedBy   string
	Created      time.Time
}

// Registry records releases in a SQLite database.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens the registry at location, creating it if necessary.
func OpenRegistry(location string) (*Registry, error) {
	db, err := sql.Open("sqlite3", location)
	if err != nil {
		return nil, err
	}
	r := &Registry{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise registry %q: %v", location, err)
	}
	return r, nil
}

func (r *Registry) init() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS releases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL UNIQUE,
		firmware_url TEXT NOT NULL,
		signature_url TEXT NOT NULL,
		checksum TEXT NOT NULL,
		changelog TEXT,
		deployed_by TEXT,
		created_at INTEGER NOT NULL)`)
	return err
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Exists reports whether v, in canonical form, has been released.
func (r *Registry) Exists(ctx context.Context, v string) (bool, error) {
	c, err := version.Canonical(v)
	if err != nil {
		return false, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM releases WHERE version = ?", c).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Latest returns the most recently recorded release, or nil if there is none.
func (r *Registry) Latest(ctx context.Context) (*Release, error) {
	var rel Release
	var created int64
	var changelog, deployedBy sql.NullString
	err := r.db.QueryRowContext(ctx,
		"SELECT version, firmware_url, signature_url, checksum, changelog, deployed_by, created_at FROM releases ORDER BY id DESC LIMIT 1").
		Scan(&rel.Version, &rel.FirmwareURL, &rel.SignatureURL, &rel.Checksum, &changelog, &deployedBy, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	rel.Changelog = changelog.String
	rel.DeployedBy = deployedBy.String
	rel.Created = time.Unix(created, 0).UTC()
	return &rel, nil
}

// NextVersion returns the latest release's version with its patch component
// incremented, or FirstVersion if nothing usable has been released.
func (r *Registry) NextVersion(ctx context.Context) (string, error) {
	l, err := r.Latest(ctx)
	if err != nil {
		return "", err
	}
	if l == nil {
		return FirstVersion, nil
	}
	n, err := version.NextPatch(l.Version)
	if err != nil {
		klog.Warningf("Latest release has unusable version %q, starting from %s: %v", l.Version, FirstVersion, err)
		return FirstVersion, nil
	}
	return n, nil
}

// Record adds rel to the registry. ErrExists is returned if its version has
// already been recorded.
func (r *Registry) Record(ctx context.Context, rel Release) error {
	c, err := version.Canonical(rel.Version)
	if err != nil {
		return err
	}
	if rel.Created.IsZero() {
		rel.Created = time.Now()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %v", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM releases WHERE version = ?", c).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrExists, c)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO releases (version, firmware_url, signature_url, checksum, changelog, deployed_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		c, rel.FirmwareURL, rel.SignatureURL, rel.Checksum, rel.Changelog, rel.DeployedBy, rel.Created.Unix()); err != nil {
		return err
	}
	return tx.Commit()
}
