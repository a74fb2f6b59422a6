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

// Package migrate applies schema migrations to the application database.
//
// Migrations form an explicit ordered list. Every step carries an
// introspection predicate that checks the actual schema state, so the whole
// list is safe to run on every startup against a database of any vintage:
// a freshly seeded file, a snapshot restored from the remote store, or a
// local file left by a previous version of the binary.
package migrate

import (
	"context"
	"database/sql"
	"os"

	"golang.org/x/crypto/bcrypt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/unrealcyber/academy/settings"
)

// DefaultAdminUser is the username seeded into an otherwise empty database.
const DefaultAdminUser = "admin"

// adminPasswordEnv optionally overrides the seeded administrator password.
const adminPasswordEnv = "ADMIN_PASSWORD"

const defaultAdminPassword = "changeme"

// Step is a single idempotent migration.
type Step struct {
	// ID names the step in logs.
	ID string
	// Needed inspects the schema and reports whether Apply must run.
	Needed func(ctx context.Context, db *sql.DB) (bool, error)
	// Apply performs the migration inside a transaction.
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// Run applies every outstanding migration, in order.
func Run(ctx context.Context, db *sql.DB) error {
	if err := settings.EnsureTable(ctx, db); err != nil {
		return err
	}
	for _, s := range steps {
		needed, err := s.Needed(ctx, db)
		if err != nil {
			return errors.Fmt("checking migration %s: %w", s.ID, err)
		}
		if !needed {
			continue
		}
		logging.Infof(ctx, "Applying migration %s", s.ID)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Fmt("migration %s: %w", s.ID, err)
		}
		if err := s.Apply(ctx, tx); err != nil {
			tx.Rollback()
			return errors.Fmt("migration %s: %w", s.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return errors.Fmt("migration %s: %w", s.ID, err)
		}
	}
	return nil
}

var steps = []Step{
	{
		ID:     "001-base-schema",
		Needed: absent("users"),
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx,
				`CREATE TABLE users (
					id INTEGER PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_admin INTEGER NOT NULL DEFAULT 0,
					created_at TEXT NOT NULL DEFAULT (datetime('now'))
				)`,
				`CREATE TABLE tasks (
					id INTEGER PRIMARY KEY,
					title TEXT NOT NULL,
					description TEXT,
					drive_file_id TEXT,
					created_at TEXT NOT NULL DEFAULT (datetime('now'))
				)`,
				`CREATE TABLE submissions (
					id INTEGER PRIMARY KEY,
					task_id INTEGER NOT NULL REFERENCES tasks(id),
					user_id INTEGER NOT NULL REFERENCES users(id),
					drive_file_id TEXT,
					view_url TEXT,
					submitted_at TEXT NOT NULL DEFAULT (datetime('now'))
				)`,
				`CREATE TABLE videos (
					id INTEGER PRIMARY KEY,
					title TEXT NOT NULL,
					drive_file_id TEXT,
					view_url TEXT
				)`,
				`CREATE TABLE documents (
					id INTEGER PRIMARY KEY,
					title TEXT NOT NULL,
					drive_file_id TEXT
				)`,
				`CREATE TABLE labs (
					id INTEGER PRIMARY KEY,
					title TEXT NOT NULL,
					drive_file_id TEXT
				)`,
			)
		},
	},
	{
		ID: "002-seed-admin",
		Needed: func(ctx context.Context, db *sql.DB) (bool, error) {
			var n int
			err := db.QueryRowContext(ctx,
				`SELECT count(*) FROM users WHERE is_admin = 1`).Scan(&n)
			if err != nil {
				return false, err
			}
			return n == 0, nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			password := os.Getenv(adminPasswordEnv)
			if password == "" {
				password = defaultAdminPassword
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, 1)`,
				DefaultAdminUser, string(hash))
			return err
		},
	},
	{
		ID:     "003-user-avatars",
		Needed: missingColumn("users", "avatar_file_id"),
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE users ADD COLUMN avatar_file_id TEXT`)
			return err
		},
	},
	{
		ID:     "004-document-view-urls",
		Needed: missingColumn("documents", "view_url"),
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE documents ADD COLUMN view_url TEXT`)
			return err
		},
	},
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func absent(tableName string) func(context.Context, *sql.DB) (bool, error) {
	return func(ctx context.Context, db *sql.DB) (bool, error) {
		ok, err := tableExists(ctx, db, tableName)
		return !ok, err
	}
}

func missingColumn(tableName, column string) func(context.Context, *sql.DB) (bool, error) {
	return func(ctx context.Context, db *sql.DB) (bool, error) {
		ok, err := columnExists(ctx, db, tableName, column)
		return !ok, err
	}
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func columnExists(ctx context.Context, db *sql.DB, tableName, column string) (bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM pragma_table_info(?)`, tableName)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
