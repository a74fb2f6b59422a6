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

// Package backup pushes database snapshots to the remote store and serves
// the administrative export/import protocol.
//
// Two rotating remote artifacts exist: a raw binary copy of the database
// file (refreshed opportunistically after critical mutations) and the
// canonical SQL dump (refreshed on administrative import, consumed by the
// next boot's recovery). Neither keeps history; the latest write wins.
//
// Administrative import intentionally terminates the process after
// replacing the local file: re-opening the database cleanly is the
// supervisor's restart, not an in-process handle swap. Concurrent
// administrative operations are not guarded against each other; a single
// operator at a time is assumed.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/unrealcyber/academy/creds"
	"github.com/unrealcyber/academy/dbdump"
	"github.com/unrealcyber/academy/gdrive"
)

const (
	binaryMIME = "application/octet-stream"
	dumpMIME   = "application/sql"
)

// ErrBadPassword is returned by AdminExport on a failed re-authentication.
var ErrBadPassword = errors.New("administrator password does not match")

// Gateway is the slice of the object-store client the trigger uses.
type Gateway interface {
	Authorized() bool
	Upload(ctx context.Context, name, parentID, mimeType string, r io.Reader) (*gdrive.Object, error)
	UpsertNamed(ctx context.Context, name, parentID, mimeType string, r io.Reader) (string, error)
}

// Trigger owns the backup side of the durability protocol.
type Trigger struct {
	// DB is the open application database.
	DB *sql.DB
	// DBPath is the database file's location on disk.
	DBPath string
	// Remote is the object-store gateway. May be unauthorized.
	Remote Gateway
	// Creds reports credential state for Status. May be nil.
	Creds *creds.Manager

	// BackupsFolderID is the remote folder holding all backup artifacts.
	BackupsFolderID string
	// BinaryName is the rotating binary artifact ("manual master") name.
	BinaryName string
	// DumpName is the rotating SQL dump artifact name.
	DumpName string
	// DatedPrefix prefixes dated binary backup names.
	DatedPrefix string

	// Exit terminates the process after an administrative import.
	// Defaults to os.Exit; tests substitute a recorder.
	Exit func(code int)
}

// RotationSource emits persisted credential rotations. *creds.Manager
// implements it.
type RotationSource interface {
	Subscribe(func(creds.Record))
}

// ObserveCredentialRotations makes every persisted credential rotation
// refresh the remote backups.
//
// A rotation replaces the refresh token captured in the last snapshot, so
// the snapshot must follow it: restoring a pre-rotation snapshot after a
// redeploy would hand the credential manager a revoked token. The given
// context must outlive requests; pass the process-lifetime one.
func (t *Trigger) ObserveCredentialRotations(ctx context.Context, src RotationSource) {
	src.Subscribe(func(creds.Record) {
		t.OnCriticalMutation(ctx)
	})
}

// OnCriticalMutation refreshes the rotating binary backup in the background.
//
// Called after mutations whose loss would be unacceptable. Fire and forget:
// failures are logged and never reach the caller's response path, and no
// ordering is guaranteed relative to subsequent operations.
func (t *Trigger) OnCriticalMutation(ctx context.Context) {
	if t.Remote == nil || !t.Remote.Authorized() {
		return
	}
	// The caller's request may end before the upload does; the upload owns
	// its own lifetime.
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := t.BackupBinaryNow(ctx); err != nil {
			logging.WithError(err).Errorf(ctx, "Background binary backup failed")
		}
	}()
}

// BackupBinaryNow synchronously copies the database file to the rotating
// binary slot.
func (t *Trigger) BackupBinaryNow(ctx context.Context) error {
	f, err := os.Open(t.DBPath)
	if err != nil {
		return dbdump.IOFailureTag.Apply(errors.Fmt("opening database file: %w", err))
	}
	defer f.Close()
	if _, err := t.Remote.UpsertNamed(ctx, t.BinaryName, t.BackupsFolderID, binaryMIME, f); err != nil {
		return err
	}
	logging.Infof(ctx, "Refreshed rotating binary backup %q", t.BinaryName)
	return nil
}

// DatedBackup uploads a dated binary copy ("<prefix>_<ISO-date>.db") to the
// backups folder. Unlike the rotating slots, each day gets its own object.
func (t *Trigger) DatedBackup(ctx context.Context) error {
	name := fmt.Sprintf("%s_%s.db", t.DatedPrefix, clock.Now(ctx).UTC().Format("2006-01-02"))
	f, err := os.Open(t.DBPath)
	if err != nil {
		return dbdump.IOFailureTag.Apply(errors.Fmt("opening database file: %w", err))
	}
	defer f.Close()
	if _, err := t.Remote.Upload(ctx, name, t.BackupsFolderID, binaryMIME, f); err != nil {
		return err
	}
	logging.Infof(ctx, "Uploaded dated backup %q", name)
	return nil
}

// AdminExport re-authenticates the administrator and returns the full
// textual snapshot. It does not touch the remote store.
func (t *Trigger) AdminExport(ctx context.Context, password string) (string, error) {
	if err := VerifyAdminPassword(ctx, t.DB, password); err != nil {
		return "", err
	}
	return dbdump.Export(ctx, t.DB)
}

// AdminImportSQL destructively replaces the database from snapshot text,
// refreshes the rotating SQL dump slot and terminates the process so the
// supervisor restarts it against the new file.
//
// On a parse or apply failure the previous database file is untouched, but
// its handle is already closed: the administrator gets the error and the
// process keeps running in a degraded state until restarted.
func (t *Trigger) AdminImportSQL(ctx context.Context, snapshot string) error {
	logging.Warningf(ctx, "Administrative SQL import: replacing %s", t.DBPath)
	if err := t.DB.Close(); err != nil {
		logging.WithError(err).Warningf(ctx, "Error closing database handle before import")
	}
	if err := dbdump.Import(ctx, snapshot, t.DBPath); err != nil {
		return err
	}
	t.pushDump(ctx, snapshot)
	t.terminate(ctx)
	return nil
}

// AdminReplaceBinary destructively replaces the database file with raw
// bytes, refreshes the rotating binary slot and terminates the process.
func (t *Trigger) AdminReplaceBinary(ctx context.Context, blob []byte) error {
	logging.Warningf(ctx, "Administrative binary replace: replacing %s", t.DBPath)
	if err := t.DB.Close(); err != nil {
		logging.WithError(err).Warningf(ctx, "Error closing database handle before replace")
	}

	tmp := t.DBPath + ".replace"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return dbdump.IOFailureTag.Apply(errors.Fmt("writing replacement database: %w", err))
	}
	dbdump.RemoveDatabaseFiles(t.DBPath)
	if err := os.Rename(tmp, t.DBPath); err != nil {
		os.Remove(tmp)
		return dbdump.IOFailureTag.Apply(errors.Fmt("moving replacement database into place: %w", err))
	}

	if t.Remote != nil && t.Remote.Authorized() {
		if _, err := t.Remote.UpsertNamed(ctx, t.BinaryName, t.BackupsFolderID, binaryMIME, bytes.NewReader(blob)); err != nil {
			logging.WithError(err).Errorf(ctx, "Failed to refresh rotating binary slot after replace")
		}
	}
	t.terminate(ctx)
	return nil
}

// Status describes the subsystem for health checks.
type Status struct {
	RemoteAuthorized bool   `json:"remote_authorized"`
	Credentials      string `json:"credentials"`
}

// Status reports remote reachability and credential lifecycle state.
func (t *Trigger) Status(ctx context.Context) Status {
	s := Status{Credentials: creds.Uninitialized.String()}
	if t.Creds != nil {
		s.Credentials = t.Creds.State().String()
	}
	if t.Remote != nil {
		s.RemoteAuthorized = t.Remote.Authorized()
	}
	return s
}

func (t *Trigger) pushDump(ctx context.Context, snapshot string) {
	if t.Remote == nil || !t.Remote.Authorized() {
		return
	}
	if _, err := t.Remote.UpsertNamed(ctx, t.DumpName, t.BackupsFolderID, dumpMIME, strings.NewReader(snapshot)); err != nil {
		logging.WithError(err).Errorf(ctx, "Failed to refresh rotating SQL dump slot")
	}
}

func (t *Trigger) terminate(ctx context.Context) {
	logging.Warningf(ctx, "Database replaced; exiting so the supervisor restarts against the new file")
	exit := t.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(0)
}

// VerifyAdminPassword checks a password against the administrator account.
func VerifyAdminPassword(ctx context.Context, db *sql.DB, password string) error {
	var hash string
	err := db.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE is_admin = 1 ORDER BY id LIMIT 1`).Scan(&hash)
	switch {
	case err == sql.ErrNoRows:
		return ErrBadPassword
	case err != nil:
		return errors.Fmt("reading administrator account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrBadPassword
	}
	return nil
}
