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
	"strings"

	"go.chromium.org/luci/common/errors"
)

// splitStatements breaks snapshot text into individual SQL statements.
//
// The scanner is aware of single-quoted strings (with '' as the escape), so
// text values may contain semicolons, newlines and even lines that look like
// comments. Outside of strings, lines starting with "--" are dropped and a
// bare semicolon terminates a statement. Anything that does not form a
// complete statement of a kind a snapshot may contain is rejected with
// CorruptSnapshotTag.
func splitStatements(text string) ([]string, error) {
	var stmts []string
	var cur strings.Builder

	inQuote := false
	atLineStart := true

	for i := 0; i < len(text); i++ {
		c := text[i]

		if !inQuote && atLineStart && c == '-' && i+1 < len(text) && text[i+1] == '-' {
			for i < len(text) && text[i] != '\n' {
				i++
			}
			continue
		}

		switch {
		case c == '\'':
			if inQuote && i+1 < len(text) && text[i+1] == '\'' {
				cur.WriteString("''")
				i++
			} else {
				inQuote = !inQuote
				cur.WriteByte(c)
			}
		case c == ';' && !inQuote:
			stmt := strings.TrimSpace(cur.String())
			cur.Reset()
			if stmt != "" {
				if err := checkStatement(stmt); err != nil {
					return nil, err
				}
				stmts = append(stmts, stmt)
			}
		default:
			cur.WriteByte(c)
		}

		if !inQuote {
			atLineStart = c == '\n' || (atLineStart && (c == ' ' || c == '\t' || c == '\r'))
		} else {
			atLineStart = false
		}
	}

	if inQuote {
		return nil, CorruptSnapshotTag.Apply(errors.New("snapshot ends inside a string literal"))
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		return nil, CorruptSnapshotTag.Apply(errors.Fmt("unterminated trailing statement %q", abbrev(rest)))
	}
	return stmts, nil
}

// checkStatement rejects statements a snapshot is never supposed to contain
// before they reach the database.
func checkStatement(stmt string) error {
	upper := strings.ToUpper(stmt)
	for _, prefix := range []string{"DROP TABLE ", "CREATE TABLE ", "CREATE INDEX ", "CREATE UNIQUE INDEX ", "INSERT INTO "} {
		if strings.HasPrefix(upper, prefix) {
			return nil
		}
	}
	return CorruptSnapshotTag.Apply(errors.Fmt("unexpected statement %q in snapshot", abbrev(stmt)))
}
