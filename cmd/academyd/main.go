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

// Command academyd runs the durable-state layer of the academy platform:
// it recovers the database at boot, keeps remote-store credentials fresh,
// and serves the administrative backup/restore surface.
//
// The business endpoints live in the surrounding application; this binary
// hosts only the subsystem's own contract.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/unrealcyber/academy/backup"
	"github.com/unrealcyber/academy/bootstrap"
	"github.com/unrealcyber/academy/creds"
	"github.com/unrealcyber/academy/gdrive"
)

var (
	dbPath   = flag.String("db-path", "academy.db", "path of the local database file")
	httpAddr = flag.String("http-addr", ":8080", "address to serve the admin endpoints on")
	verbose  = flag.Bool("verbose", false, "print debug messages to stderr")
)

// Canonical remote artifact names. Fixed: each new backup overwrites the
// previous object instead of versioning it.
const (
	rotatingBinaryName = "academy-master.db"
	rotatingDumpName   = "academy-dump.sql"
	datedPrefix        = "academy"
)

func main() {
	flag.Parse()

	ctx := gologger.StdConfig.Use(context.Background())
	if *verbose {
		ctx = logging.SetLevel(ctx, logging.Debug)
	} else {
		ctx = logging.SetLevel(ctx, logging.Info)
	}

	if err := mainImpl(ctx); err != nil {
		logging.WithError(err).Errorf(ctx, "Fatal error")
		os.Exit(1)
	}
}

func mainImpl(ctx context.Context) error {
	dir := filepath.Dir(*dbPath)

	ident, err := creds.LoadIdentity(filepath.Join(dir, "client_keys.json"))
	if err != nil {
		return err
	}
	manager := creds.NewManager(ident,
		&creds.EnvProvider{Var: creds.EnvToken},
		&creds.FileProvider{Path: filepath.Join(dir, "token.json")},
	)

	folders := gdrive.FoldersFromEnv()

	var gw *gdrive.Client
	db, err := bootstrap.Run(ctx, bootstrap.Options{
		DBPath: *dbPath,
		Creds:  manager,
		NewRemote: func(ctx context.Context) (bootstrap.Remote, error) {
			ts, err := manager.TokenSource(ctx)
			if err != nil {
				return nil, err
			}
			if gw, err = gdrive.New(ctx, ts); err != nil {
				return nil, err
			}
			return gw, nil
		},
		BackupsFolderID: folders.Backups,
		DumpName:        rotatingDumpName,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	// The gateway may still be unborn: credentials can have arrived with the
	// restored database rather than from the env/file tiers.
	if gw == nil && manager.Authorized() {
		if ts, err := manager.TokenSource(ctx); err == nil {
			gw, err = gdrive.New(ctx, ts)
			if err != nil {
				logging.WithError(err).Warningf(ctx, "Remote store gateway unavailable")
			}
		}
	}
	if gw == nil {
		gw = gdrive.NewUnauthorized()
	}

	if id, err := gw.EnsureLabsFolder(ctx, db, ""); err != nil {
		logging.WithError(err).Warningf(ctx, "Labs folder resolution failed")
	} else if id != "" {
		logging.Infof(ctx, "Labs folder is %s", id)
	}

	trigger := &backup.Trigger{
		DB:              db,
		DBPath:          *dbPath,
		Remote:          gw,
		Creds:           manager,
		BackupsFolderID: folders.Backups,
		BinaryName:      rotatingBinaryName,
		DumpName:        rotatingDumpName,
		DatedPrefix:     datedPrefix,
		// Give the HTTP handler a moment to flush the response before the
		// supervisor-restart exit.
		Exit: func(code int) {
			go func() {
				time.Sleep(500 * time.Millisecond)
				os.Exit(code)
			}()
		},
	}

	// A rotation invalidates the refresh token held by the last snapshot, so
	// every persisted rotation pushes a fresh backup.
	trigger.ObserveCredentialRotations(ctx, manager)

	logging.Infof(ctx, "Serving admin endpoints on %s", *httpAddr)
	return http.ListenAndServe(*httpAddr, adminMux(db, trigger))
}

// adminMux serves the subsystem's administrative contract. Every mutating
// endpoint re-authenticates the administrator.
func adminMux(db *sql.DB, trigger *backup.Trigger) *http.ServeMux {
	mux := http.NewServeMux()

	password := func(r *http.Request) string {
		if p := r.Header.Get("X-Admin-Password"); p != "" {
			return p
		}
		return r.FormValue("password")
	}

	authed := func(h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := backup.VerifyAdminPassword(r.Context(), db, password(r)); err != nil {
				http.Error(w, "administrator authentication failed", http.StatusForbidden)
				return
			}
			h(w, r)
		}
	}

	// AdminExport authenticates on its own, so the route skips the wrapper
	// rather than hash the password twice.
	mux.HandleFunc("POST /admin/export", func(w http.ResponseWriter, r *http.Request) {
		dump, err := trigger.AdminExport(r.Context(), password(r))
		switch {
		case err == backup.ErrBadPassword:
			http.Error(w, "administrator authentication failed", http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/sql")
		w.Header().Set("Content-Disposition", `attachment; filename="academy-dump.sql"`)
		io.WriteString(w, dump)
	})

	mux.HandleFunc("POST /admin/import", authed(func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := trigger.AdminImportSQL(r.Context(), string(snapshot)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, "imported; restarting\n")
	}))

	mux.HandleFunc("POST /admin/replace", authed(func(w http.ResponseWriter, r *http.Request) {
		blob, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := trigger.AdminReplaceBinary(r.Context(), blob); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "replaced; restarting\n")
	}))

	mux.HandleFunc("POST /admin/backup", authed(func(w http.ResponseWriter, r *http.Request) {
		if err := trigger.DatedBackup(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		io.WriteString(w, "backed up\n")
	}))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(trigger.Status(r.Context()))
	})

	return mux
}
