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

package main

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/unrealcyber/academy/backup"
	"github.com/unrealcyber/academy/dbdump"
	"github.com/unrealcyber/academy/gdrive"
	"github.com/unrealcyber/academy/migrate"

	_ "modernc.org/sqlite"
)

func newAdminMux(t *ftt.Test) *http.ServeMux {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := sql.Open(dbdump.Driver, dbPath)
	assert.Loosely(t, err, should.BeNil)
	t.Cleanup(func() { db.Close() })
	assert.Loosely(t, migrate.Run(ctx, db), should.BeNil)

	trigger := &backup.Trigger{
		DB:         db,
		DBPath:     dbPath,
		Remote:     gdrive.NewUnauthorized(),
		BinaryName: rotatingBinaryName,
		DumpName:   rotatingDumpName,
	}
	return adminMux(db, trigger)
}

func TestAdminMux(t *testing.T) {
	ftt.Run("With a seeded administrator", t, func(t *ftt.Test) {
		t.Setenv("ADMIN_PASSWORD", "hunter2")
		mux := newAdminMux(t)

		t.Run("Export rejects a wrong password", func(t *ftt.Test) {
			req := httptest.NewRequest("POST", "/admin/export", nil)
			req.Header.Set("X-Admin-Password", "guess")
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Loosely(t, rr.Code, should.Equal(http.StatusForbidden))
		})

		t.Run("Export serves the dump via the header password", func(t *ftt.Test) {
			req := httptest.NewRequest("POST", "/admin/export", nil)
			req.Header.Set("X-Admin-Password", "hunter2")
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Loosely(t, rr.Code, should.Equal(http.StatusOK))
			assert.Loosely(t, rr.Header().Get("Content-Type"), should.Equal("application/sql"))
			assert.Loosely(t, rr.Body.String(), should.ContainSubstring(`CREATE TABLE users`))
		})

		t.Run("Export serves the dump via the form password", func(t *ftt.Test) {
			form := url.Values{"password": {"hunter2"}}
			req := httptest.NewRequest("POST", "/admin/export", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Loosely(t, rr.Code, should.Equal(http.StatusOK))
			assert.Loosely(t, rr.Body.String(), should.ContainSubstring(`INSERT INTO "users"`))
		})

		t.Run("Health check is open and reports the degraded remote", func(t *ftt.Test) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Loosely(t, rr.Code, should.Equal(http.StatusOK))
			assert.Loosely(t, rr.Body.String(), should.ContainSubstring(`"remote_authorized":false`))
		})
	})
}
