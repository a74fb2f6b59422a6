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

package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	_ "modernc.org/sqlite"
)

func openTestDB(t testing.TB) *sql.DB {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun(t *testing.T) {
	ftt.Run("Fresh database gets the full schema and a seeded admin", t, func(t *ftt.Test) {
		ctx := context.Background()
		t.Setenv("ADMIN_PASSWORD", "sekrit")
		db := openTestDB(t)

		assert.Loosely(t, Run(ctx, db), should.BeNil)

		for _, table := range []string{"users", "tasks", "submissions", "videos", "documents", "labs", "settings"} {
			ok, err := tableExists(ctx, db, table)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
		}

		var hash string
		err := db.QueryRow(`SELECT password_hash FROM users WHERE username = ? AND is_admin = 1`,
			DefaultAdminUser).Scan(&hash)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("sekrit")), should.BeNil)

		ok, err := columnExists(ctx, db, "users", "avatar_file_id")
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, ok, should.BeTrue)
	})

	ftt.Run("Running twice changes nothing", t, func(t *ftt.Test) {
		ctx := context.Background()
		db := openTestDB(t)

		assert.Loosely(t, Run(ctx, db), should.BeNil)
		var before int
		assert.Loosely(t, db.QueryRow(`SELECT count(*) FROM users`).Scan(&before), should.BeNil)

		assert.Loosely(t, Run(ctx, db), should.BeNil)
		var after int
		assert.Loosely(t, db.QueryRow(`SELECT count(*) FROM users`).Scan(&after), should.BeNil)
		assert.Loosely(t, after, should.Equal(before))
	})

	ftt.Run("Old-vintage database is upgraded in place", t, func(t *ftt.Test) {
		ctx := context.Background()
		db := openTestDB(t)

		// A pre-avatar users table, as restored from an old snapshot.
		_, err := db.Exec(`CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`)
		assert.Loosely(t, err, should.BeNil)
		_, err = db.Exec(`INSERT INTO users (username, password_hash, is_admin) VALUES ('boss', 'x', 1)`)
		assert.Loosely(t, err, should.BeNil)

		assert.Loosely(t, Run(ctx, db), should.BeNil)

		// Existing admin kept, no second one seeded.
		var n int
		assert.Loosely(t, db.QueryRow(`SELECT count(*) FROM users WHERE is_admin = 1`).Scan(&n), should.BeNil)
		assert.Loosely(t, n, should.Equal(1))

		// The avatar column arrived.
		ok, err := columnExists(ctx, db, "users", "avatar_file_id")
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, ok, should.BeTrue)
	})
}
