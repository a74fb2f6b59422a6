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

// Package bootstrap decides, once at process start, where the application
// database comes from: the local file, a snapshot pulled from the remote
// store, or a freshly seeded schema.
//
// The guiding policy is "never block startup": remote unavailability,
// missing credentials, a corrupt local file and a corrupt remote snapshot
// all degrade to the next tier, ending at an empty seeded database. The
// orchestrator is the sole constructor of the database handle; everything
// else receives it from here.
package bootstrap

import (
	"context"
	"database/sql"
	"io"
	"os"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"

	"github.com/unrealcyber/academy/creds"
	"github.com/unrealcyber/academy/dbdump"
	"github.com/unrealcyber/academy/migrate"
)

// Remote is the slice of the object-store gateway the orchestrator uses.
// *gdrive.Client implements it; tests substitute fakes.
type Remote interface {
	Authorized() bool
	FindByName(ctx context.Context, name, parentID string) (string, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Options configures a Run.
type Options struct {
	// DBPath is the fixed path of the local database file.
	DBPath string

	// Creds is the credential manager to initialize. May be nil when remote
	// features are disabled outright.
	Creds *creds.Manager

	// NewRemote constructs the gateway once credentials are authorized.
	// May be nil; construction failures merely disable the remote tier.
	NewRemote func(ctx context.Context) (Remote, error)

	// BackupsFolderID is the remote folder holding the canonical snapshot.
	BackupsFolderID string

	// DumpName is the fixed name of the rotating SQL dump artifact.
	DumpName string

	// Retry overrides the snapshot discovery retry policy. The default is
	// 3 attempts, 2 seconds apart, to ride out remote listing lag.
	Retry retry.Factory
}

func (o *Options) retryFactory() retry.Factory {
	if o.Retry != nil {
		return o.Retry
	}
	return func() retry.Iterator {
		return &retry.Limited{Delay: 2 * time.Second, Retries: 2}
	}
}

// Run materializes a usable database file at opts.DBPath and returns the
// open handle, with all migrations applied and the database credential tier
// attached.
//
// It must run before any other component touches the file. The only errors
// it returns are genuinely unrecoverable local filesystem failures.
func Run(ctx context.Context, opts Options) (*sql.DB, error) {
	remote := initRemote(ctx, opts)

	switch _, err := os.Stat(opts.DBPath); {
	case os.IsNotExist(err):
		logging.Infof(ctx, "No local database at %s", opts.DBPath)
		restoreOrFresh(ctx, remote, opts)
	case err != nil:
		return nil, dbdump.IOFailureTag.Apply(errors.Fmt("probing %s: %w", opts.DBPath, err))
	case !openable(ctx, opts.DBPath):
		// Deliberate policy: a corrupt local file never blocks startup.
		// Durability comes from the remote snapshot, not this file.
		logging.Errorf(ctx, "Local database %s is corrupt; deleting it and its WAL artifacts. "+
			"Local changes since the last remote snapshot are LOST.", opts.DBPath)
		dbdump.RemoveDatabaseFiles(opts.DBPath)
		restoreOrFresh(ctx, remote, opts)
	}

	db, err := sql.Open(dbdump.Driver, opts.DBPath)
	if err != nil {
		return nil, dbdump.IOFailureTag.Apply(errors.Fmt("opening %s: %w", opts.DBPath, err))
	}
	if err := migrate.Run(ctx, db); err != nil {
		db.Close()
		return nil, errors.Fmt("initializing schema: %w", err)
	}
	if opts.Creds != nil {
		opts.Creds.AttachDatabase(ctx, db)
	}
	return db, nil
}

// initRemote brings the credential manager to Authorized if possible and
// constructs the gateway. Every failure path returns nil, meaning "proceed
// without the remote tier".
func initRemote(ctx context.Context, opts Options) Remote {
	if opts.Creds == nil || opts.Creds.State() == creds.Uninitialized {
		logging.Warningf(ctx, "No remote store identity; remote features are disabled")
		return nil
	}
	if err := opts.Creds.Initialize(ctx); err != nil {
		logging.WithError(err).Warningf(ctx, "Failed to initialize remote store credentials")
		return nil
	}
	if !opts.Creds.Authorized() {
		logging.Warningf(ctx, "No remote store credentials found yet; starting unauthorized")
		return nil
	}
	if opts.NewRemote == nil {
		return nil
	}
	remote, err := opts.NewRemote(ctx)
	if err != nil {
		logging.WithError(err).Warningf(ctx, "Failed to construct the remote store gateway")
		return nil
	}
	return remote
}

// restoreOrFresh tries to materialize the database from the latest remote
// snapshot. If there is none (or it is unusable), the path is simply left
// absent: the schema initialization in Run seeds a fresh database.
func restoreOrFresh(ctx context.Context, remote Remote, opts Options) {
	if remote == nil || !remote.Authorized() {
		logging.Infof(ctx, "Remote store unavailable; starting with a fresh database")
		return
	}

	fileID := discoverSnapshot(ctx, remote, opts)
	if fileID == "" {
		logging.Infof(ctx, "No remote snapshot named %q; starting with a fresh database", opts.DumpName)
		return
	}

	logging.Infof(ctx, "Restoring database from remote snapshot %s", fileID)
	if err := restore(ctx, remote, fileID, opts.DBPath); err != nil {
		logging.WithError(err).Errorf(ctx, "Snapshot restore failed; starting with a fresh database")
		dbdump.RemoveDatabaseFiles(opts.DBPath)
	}
}

// discoverSnapshot looks up the canonical dump artifact, retrying a bounded
// number of times because remote listings can lag a just-finished upload.
// Exhausting the retries is not an error, just "no snapshot available".
func discoverSnapshot(ctx context.Context, remote Remote, opts Options) string {
	var fileID string
	err := retry.Retry(ctx, opts.retryFactory(), func() error {
		id, err := remote.FindByName(ctx, opts.DumpName, opts.BackupsFolderID)
		if err != nil {
			return err
		}
		if id == "" {
			return errors.New("snapshot not listed yet")
		}
		fileID = id
		return nil
	}, func(err error, d time.Duration) {
		logging.Infof(ctx, "Snapshot discovery: %s; retrying in %s", err, d)
	})
	if err != nil {
		return ""
	}
	return fileID
}

func restore(ctx context.Context, remote Remote, fileID, dbPath string) error {
	rc, err := remote.Download(ctx, fileID)
	if err != nil {
		return errors.Fmt("downloading snapshot: %w", err)
	}
	defer rc.Close()
	snapshot, err := io.ReadAll(rc)
	if err != nil {
		return errors.Fmt("reading snapshot: %w", err)
	}
	return dbdump.Import(ctx, string(snapshot), dbPath)
}

// openable probes whether the file at path is a healthy database.
func openable(ctx context.Context, path string) bool {
	db, err := sql.Open(dbdump.Driver, path)
	if err != nil {
		return false
	}
	defer db.Close()
	var verdict string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&verdict); err != nil {
		return false
	}
	return verdict == "ok"
}
