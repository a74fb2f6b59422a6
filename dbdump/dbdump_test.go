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

package dbdump

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func testCtx() context.Context {
	ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	return ctx
}

func openDB(t testing.TB, path string) *sql.DB {
	db, err := sql.Open(Driver, path)
	if err != nil {
		t.Fatalf("opening %s: %s", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t testing.TB, db *sql.DB, stmt string, args ...any) {
	if _, err := db.Exec(stmt, args...); err != nil {
		t.Fatalf("executing %q: %s", stmt, err)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ftt.Run("Export then import reproduces the dataset", t, func(t *ftt.Test) {
		ctx := testCtx()
		dir := t.TempDir()

		src := openDB(t, filepath.Join(dir, "src.db"))
		mustExec(t, src, `CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			name TEXT,
			score REAL,
			note TEXT
		)`)
		mustExec(t, src, `INSERT INTO users VALUES (1, ?, 12.5, NULL)`, `O'Brien's "file"`)
		mustExec(t, src, `INSERT INTO users VALUES (2, ?, -3, ?)`, "multi\nline\ntext", "semi;colon")
		mustExec(t, src, `CREATE TABLE empty_table (a TEXT, b INTEGER)`)

		dump, err := Export(ctx, src)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, dump, should.ContainSubstring(`DROP TABLE IF EXISTS "users";`))
		assert.Loosely(t, dump, should.ContainSubstring(`O''Brien''s "file"`))

		dest := filepath.Join(dir, "dest.db")
		assert.Loosely(t, Import(ctx, dump, dest), should.BeNil)

		got := openDB(t, dest)

		var name string
		var note sql.NullString
		err = got.QueryRow(`SELECT name, note FROM users WHERE id = 1`).Scan(&name, &note)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, name, should.Equal(`O'Brien's "file"`))
		assert.Loosely(t, note.Valid, should.BeFalse)

		err = got.QueryRow(`SELECT name, note FROM users WHERE id = 2`).Scan(&name, &note)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, name, should.Equal("multi\nline\ntext"))
		assert.Loosely(t, note.String, should.Equal("semi;colon"))

		// The empty table exists and is empty, not missing.
		var n int
		err = got.QueryRow(`SELECT count(*) FROM empty_table`).Scan(&n)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, n, should.BeZero)

		// Exporting the imported database yields the identical snapshot.
		dump2, err := Export(ctx, got)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, dump2, should.Equal(dump))
	})

	ftt.Run("Database with no tables exports to a header-only snapshot", t, func(t *ftt.Test) {
		ctx := testCtx()
		dir := t.TempDir()

		src := openDB(t, filepath.Join(dir, "src.db"))
		mustExec(t, src, `CREATE TABLE probe (a INTEGER)`)
		mustExec(t, src, `DROP TABLE probe`)

		dump, err := Export(ctx, src)
		assert.Loosely(t, err, should.BeNil)
		for _, line := range strings.Split(strings.TrimSpace(dump), "\n") {
			assert.Loosely(t, strings.HasPrefix(line, "--"), should.BeTrue)
		}

		dest := filepath.Join(dir, "dest.db")
		assert.Loosely(t, Import(ctx, dump, dest), should.BeNil)
		got := openDB(t, dest)
		var n int
		err = got.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table'`).Scan(&n)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, n, should.BeZero)
	})
}

func TestImportFailures(t *testing.T) {
	t.Parallel()

	ftt.Run("With a destination path", t, func(t *ftt.Test) {
		ctx := testCtx()
		dest := filepath.Join(t.TempDir(), "dest.db")

		t.Run("Unterminated string literal", func(t *ftt.Test) {
			err := Import(ctx, "CREATE TABLE t (a TEXT);\nINSERT INTO t VALUES ('oops;", dest)
			assert.Loosely(t, CorruptSnapshotTag.In(err), should.BeTrue)
			_, statErr := os.Stat(dest)
			assert.Loosely(t, os.IsNotExist(statErr), should.BeTrue)
		})

		t.Run("Unterminated trailing statement", func(t *ftt.Test) {
			err := Import(ctx, "CREATE TABLE t (a TEXT);\nINSERT INTO t VALUES (1)", dest)
			assert.Loosely(t, CorruptSnapshotTag.In(err), should.BeTrue)
		})

		t.Run("Statement of an unexpected kind", func(t *ftt.Test) {
			err := Import(ctx, "DELETE FROM users;", dest)
			assert.Loosely(t, CorruptSnapshotTag.In(err), should.BeTrue)
		})

		t.Run("Mid-import failure rolls everything back", func(t *ftt.Test) {
			err := Import(ctx, "CREATE TABLE t (a INTEGER);\nINSERT INTO missing VALUES (1);", dest)
			assert.Loosely(t, CorruptSnapshotTag.In(err), should.BeTrue)
			_, statErr := os.Stat(dest)
			assert.Loosely(t, os.IsNotExist(statErr), should.BeTrue)
		})

		t.Run("Failed import leaves an existing destination untouched", func(t *ftt.Test) {
			assert.Loosely(t, Import(ctx, "CREATE TABLE keep (a INTEGER);\nINSERT INTO keep VALUES (7);", dest), should.BeNil)
			err := Import(ctx, "CREATE TABLE t (a INTEGER);\nINSERT INTO missing VALUES (1);", dest)
			assert.Loosely(t, CorruptSnapshotTag.In(err), should.BeTrue)

			db := openDB(t, dest)
			var a int
			assert.Loosely(t, db.QueryRow(`SELECT a FROM keep`).Scan(&a), should.BeNil)
			assert.Loosely(t, a, should.Equal(7))
		})
	})
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	ftt.Run("Comment lines and blanks are dropped", t, func(t *ftt.Test) {
		stmts, err := splitStatements("-- header\n\nCREATE TABLE t (a TEXT);\n-- trailer\n")
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, stmts, should.HaveLength(1))
		assert.Loosely(t, stmts[0], should.Equal("CREATE TABLE t (a TEXT)"))
	})

	ftt.Run("Quoted text may contain terminators and comment markers", t, func(t *ftt.Test) {
		stmts, err := splitStatements("INSERT INTO t VALUES ('a;b\n-- not a comment\nc''d');")
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, stmts, should.HaveLength(1))
		assert.Loosely(t, stmts[0], should.ContainSubstring("-- not a comment"))
		assert.Loosely(t, stmts[0], should.ContainSubstring("c''d"))
	})
}
