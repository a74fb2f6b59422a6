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

// Package dbdump converts the application database to a portable textual
// snapshot and back.
//
// The snapshot is plain SQL: for every user table, a destructive
// redefinition (DROP TABLE IF EXISTS + CREATE TABLE) followed by one INSERT
// per row. Importing a snapshot rebuilds a byte-for-byte equivalent database
// from scratch, which makes the snapshot the unit of disaster recovery for
// hosts whose local disk does not survive redeploys.
package dbdump

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"

	_ "modernc.org/sqlite"
)

// CorruptSnapshotTag marks errors caused by a snapshot that cannot be parsed
// or fails to apply cleanly. An import that returns such an error left no
// partially built database behind.
var CorruptSnapshotTag = errtag.Make("corrupt database snapshot", true)

// IOFailureTag marks local filesystem errors (permissions, disk full)
// encountered while materializing a database file.
var IOFailureTag = errtag.Make("local filesystem failure", true)

// Driver is the database/sql driver name used for the application database.
const Driver = "sqlite"

// Export serializes every user table of the database to SQL text.
//
// Tables are emitted in catalog order, rows in natural storage order. NULLs
// become the NULL keyword, numeric values raw numerals, and everything else
// a single-quoted string with embedded quotes doubled. A table with no rows
// contributes only its schema; a database with no tables yields only the
// header comment.
func Export(ctx context.Context, db *sql.DB) (string, error) {
	var buf strings.Builder
	fmt.Fprintf(&buf, "-- academy database dump\n-- generated %s\n",
		clock.Now(ctx).UTC().Format(time.RFC3339))

	tables, err := userTables(ctx, db)
	if err != nil {
		return "", err
	}

	for _, t := range tables {
		fmt.Fprintf(&buf, "\nDROP TABLE IF EXISTS %s;\n%s;\n", quoteIdent(t.name), t.createSQL)
		if err := exportRows(ctx, db, t.name, &buf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Import rebuilds the database at destPath from snapshot text.
//
// The new database is built at a temporary path and applied in a single
// transaction: either every statement succeeds and the result is renamed
// into place (replacing destPath and its -wal/-shm companions), or the
// temporary file is removed and destPath is left untouched. Parse and
// mid-import failures carry CorruptSnapshotTag, filesystem failures
// IOFailureTag.
func Import(ctx context.Context, snapshot, destPath string) error {
	stmts, err := splitStatements(snapshot)
	if err != nil {
		return err
	}

	tmp := destPath + ".restore"
	RemoveDatabaseFiles(tmp)

	db, err := sql.Open(Driver, tmp)
	if err != nil {
		return IOFailureTag.Apply(errors.Fmt("opening %s: %w", tmp, err))
	}
	if err := applyAll(ctx, db, stmts); err != nil {
		db.Close()
		RemoveDatabaseFiles(tmp)
		return err
	}
	if err := db.Close(); err != nil {
		RemoveDatabaseFiles(tmp)
		return IOFailureTag.Apply(errors.Fmt("closing %s: %w", tmp, err))
	}

	RemoveDatabaseFiles(destPath)
	if err := os.Rename(tmp, destPath); err != nil {
		RemoveDatabaseFiles(tmp)
		return IOFailureTag.Apply(errors.Fmt("moving restored database into place: %w", err))
	}
	return nil
}

// RemoveDatabaseFiles deletes the database file at path together with its
// write-ahead log and shared-memory companions. The three are only ever
// removed as a unit.
func RemoveDatabaseFiles(path string) {
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}

type table struct {
	name      string
	createSQL string
}

func userTables(ctx context.Context, db *sql.DB) ([]table, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL`)
	if err != nil {
		return nil, errors.Fmt("enumerating tables: %w", err)
	}
	defer rows.Close()

	var out []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.name, &t.createSQL); err != nil {
			return nil, errors.Fmt("reading catalog row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Fmt("enumerating tables: %w", err)
	}
	return out, nil
}

func exportRows(ctx context.Context, db *sql.DB, name string, buf *strings.Builder) error {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(name))
	if err != nil {
		return errors.Fmt("reading table %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errors.Fmt("reading columns of %s: %w", name, err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errors.Fmt("reading row of %s: %w", name, err)
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			lits[i] = literal(v)
		}
		fmt.Fprintf(buf, "INSERT INTO %s VALUES (%s);\n", quoteIdent(name), strings.Join(lits, ", "))
	}
	if err := rows.Err(); err != nil {
		return errors.Fmt("reading table %s: %w", name, err)
	}
	return nil
}

// literal renders one column value as a SQL literal.
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return quoteText(string(x))
	case string:
		return quoteText(x)
	case time.Time:
		return quoteText(x.UTC().Format("2006-01-02 15:04:05"))
	default:
		return quoteText(fmt.Sprintf("%v", x))
	}
}

func quoteText(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func applyAll(ctx context.Context, db *sql.DB, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return IOFailureTag.Apply(errors.Fmt("opening import transaction: %w", err))
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return CorruptSnapshotTag.Apply(errors.Fmt("applying %q: %w", abbrev(stmt), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return IOFailureTag.Apply(errors.Fmt("committing import: %w", err))
	}
	return nil
}

func abbrev(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
