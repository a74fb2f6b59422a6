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

package gdrive

import (
	"context"
	"database/sql"
	"os"

	"go.chromium.org/luci/common/logging"

	"github.com/unrealcyber/academy/settings"
)

// Folders holds the ids of the pre-provisioned remote folders. They are
// configuration constants of the deployment, read from the environment.
type Folders struct {
	Submissions string
	Videos      string
	Documents   string
	Backups     string
	Avatars     string
	Party       string
}

// FoldersFromEnv reads the folder ids from their environment variables.
// Empty values simply leave the corresponding feature without a home folder.
func FoldersFromEnv() Folders {
	return Folders{
		Submissions: os.Getenv("GDRIVE_FOLDER_SUBMISSIONS"),
		Videos:      os.Getenv("GDRIVE_FOLDER_VIDEOS"),
		Documents:   os.Getenv("GDRIVE_FOLDER_DOCUMENTS"),
		Backups:     os.Getenv("GDRIVE_FOLDER_BACKUPS"),
		Avatars:     os.Getenv("GDRIVE_FOLDER_AVATARS"),
		Party:       os.Getenv("GDRIVE_FOLDER_PARTY"),
	}
}

// LabsFolderName is the well-known name of the dynamically resolved folder
// for supplementary lab materials.
const LabsFolderName = "Labs"

// labsFolderKey is the settings-table cache key for the resolved folder id.
const labsFolderKey = "labs_folder_id"

// EnsureLabsFolder resolves the labs folder: settings cache first, then
// search by name, then create. The resolved id is cached in the settings
// table so later calls are local.
//
// Returns "" (with a nil error) on an unauthorized client.
func (c *Client) EnsureLabsFolder(ctx context.Context, db *sql.DB, parentID string) (string, error) {
	if !c.Authorized() {
		return "", nil
	}

	if id, err := settings.Get(ctx, db, labsFolderKey); err == nil && id != "" {
		return id, nil
	} else if err != nil && err != settings.ErrNoSetting {
		logging.WithError(err).Warningf(ctx, "Failed to read cached labs folder id, re-resolving")
	}

	id, err := c.FindByName(ctx, LabsFolderName, parentID)
	if err != nil {
		return "", err
	}
	if id == "" {
		if id, err = c.CreateFolder(ctx, LabsFolderName, parentID); err != nil {
			return "", err
		}
		logging.Infof(ctx, "Created remote labs folder %s", id)
	}

	if err := settings.Set(ctx, db, labsFolderKey, id); err != nil {
		logging.WithError(err).Warningf(ctx, "Failed to cache labs folder id")
	}
	return id, nil
}
