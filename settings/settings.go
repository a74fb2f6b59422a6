// Copyright 2025 The UnrealCyber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings reads and writes the key-value settings table that lives
// inside the application database.
//
// The table rides along with every snapshot of the database, which makes it
// the tier of credential and cache storage that survives instance
// replacement (as long as the database itself was backed up).
package settings

import (
	"context"
	"database/sql"

	"go.chromium.org/luci/common/errors"
)

// ErrNoSetting is returned by Get if there is no value for the given key.
var ErrNoSetting = errors.New("no such setting")

// EnsureTable creates the settings table if it does not exist yet.
//
// Safe to call on every startup.
func EnsureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return errors.Fmt("creating settings table: %w", err)
	}
	return nil
}

// Get returns the value stored under the given key.
//
// Returns ErrNoSetting if the key is absent or the settings table does not
// exist yet (a freshly seeded database before the first migration pass).
func Get(ctx context.Context, db *sql.DB, key string) (string, error) {
	var val string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	switch {
	case err == sql.ErrNoRows:
		return "", ErrNoSetting
	case err != nil:
		if !tableExists(ctx, db) {
			return "", ErrNoSetting
		}
		return "", errors.Fmt("reading setting %q: %w", key, err)
	}
	return val, nil
}

// Set stores the value under the given key, overwriting any previous value.
func Set(ctx context.Context, db *sql.DB, key, value string) error {
	if err := EnsureTable(ctx, db); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return errors.Fmt("writing setting %q: %w", key, err)
	}
	return nil
}

// Delete removes the value under the given key, if any.
func Delete(ctx context.Context, db *sql.DB, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return errors.Fmt("deleting setting %q: %w", key, err)
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB) bool {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'settings'`).Scan(&n)
	return err == nil && n > 0
}
