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

// Package gdrive wraps the Google Drive v3 API as the remote object store
// backing the application's durable state.
//
// The wrapper does not retry: it classifies errors (429 and 5xx responses
// and transport failures are tagged transient) and leaves retry policy to
// callers. A client constructed before the first authorization is a valid
// object whose operations are empty-result no-ops, so components that merely
// might use the remote store never have to crash over missing credentials.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
)

// callTimeout bounds every metadata call to the remote store. Downloads and
// uploads are exempt: their duration is payload-bound and owned by callers.
const callTimeout = 30 * time.Second

const folderMIME = "application/vnd.google-apps.folder"

// StatusCodeTag carries the HTTP status the remote store replied with.
var StatusCodeTag = errtag.Make("remote store HTTP status", 0)

// Object is a remote file or folder.
type Object struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	ViewURL  string
}

// Filter narrows ListChildren to a MIME category.
type Filter int

const (
	// FilterAny lists every child.
	FilterAny Filter = iota
	// FilterVideos lists video-like children only.
	FilterVideos
	// FilterDocuments lists document-like children only.
	FilterDocuments
)

// Client talks to the remote object store.
//
// The zero value (and NewUnauthorized) is the degraded client: Authorized
// reports false and every operation returns empty results with a nil error.
type Client struct {
	svc *drive.Service
}

// New creates an authorized client over the given token source.
func New(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Fmt("constructing remote store client: %w", err)
	}
	return &Client{svc: svc}, nil
}

// NewUnauthorized creates the degraded no-op client.
func NewUnauthorized() *Client {
	return &Client{}
}

// Authorized reports whether the client can actually reach the store.
func (c *Client) Authorized() bool {
	return c != nil && c.svc != nil
}

// Upload stores the stream as a new object under the given parent folder.
func (c *Client) Upload(ctx context.Context, name, parentID, mimeType string, r io.Reader) (*Object, error) {
	if !c.Authorized() {
		logging.Debugf(ctx, "Remote store not authorized, skipping upload of %q", name)
		return nil, nil
	}
	f := &drive.File{Name: name, MimeType: mimeType}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := c.svc.Files.Create(f).
		Media(r).
		Fields("id, name, mimeType, size, webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err, "uploading %q", name)
	}
	return object(created), nil
}

// FindByName returns the id of the first child with the given name, or ""
// if there is none.
//
// If several children share the name the first one returned by the store is
// canonical; no reconciliation is attempted.
func (c *Client) FindByName(ctx context.Context, name, parentID string) (string, error) {
	if !c.Authorized() {
		return "", nil
	}
	ctx, cancel := clock.WithTimeout(ctx, callTimeout)
	defer cancel()

	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}
	list, err := c.svc.Files.List().
		Q(q).
		PageSize(1).
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify(err, "searching for %q", name)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// CreateFolder creates a folder under the given parent and returns its id.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	if !c.Authorized() {
		return "", nil
	}
	ctx, cancel := clock.WithTimeout(ctx, callTimeout)
	defer cancel()

	f := &drive.File{Name: name, MimeType: folderMIME}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := c.svc.Files.Create(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify(err, "creating folder %q", name)
	}
	return created.Id, nil
}

// ListChildren lists the children of a folder, optionally narrowed to a
// MIME category.
func (c *Client) ListChildren(ctx context.Context, folderID string, filter Filter) ([]*Object, error) {
	if !c.Authorized() {
		return nil, nil
	}
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
	switch filter {
	case FilterVideos:
		q += " and mimeType contains 'video/'"
	case FilterDocuments:
		q += fmt.Sprintf(" and (mimeType contains 'application/' or mimeType contains 'text/') and mimeType != '%s'", folderMIME)
	}

	var out []*Object
	pageToken := ""
	for {
		callCtx, cancel := clock.WithTimeout(ctx, callTimeout)
		list, err := c.svc.Files.List().
			Q(q).
			PageSize(100).
			PageToken(pageToken).
			Fields("nextPageToken, files(id, name, mimeType, size, webViewLink)").
			Context(callCtx).
			Do()
		cancel()
		if err != nil {
			return nil, classify(err, "listing folder %s", folderID)
		}
		for _, f := range list.Files {
			out = append(out, object(f))
		}
		if pageToken = list.NextPageToken; pageToken == "" {
			return out, nil
		}
	}
}

// Download opens the object's content for reading. The caller closes it.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return c.download(ctx, fileID, "")
}

// DownloadRange is Download limited to the given byte range ("bytes=0-99"),
// for partial and resumable transfers.
func (c *Client) DownloadRange(ctx context.Context, fileID, byteRange string) (io.ReadCloser, error) {
	return c.download(ctx, fileID, byteRange)
}

func (c *Client) download(ctx context.Context, fileID, byteRange string) (io.ReadCloser, error) {
	if !c.Authorized() {
		return nil, nil
	}
	call := c.svc.Files.Get(fileID).Context(ctx)
	if byteRange != "" {
		call.Header().Set("Range", byteRange)
	}
	resp, err := call.Download()
	if err != nil {
		return nil, classify(err, "downloading %s", fileID)
	}
	return resp.Body, nil
}

// UpsertNamed writes the stream to the single child with the given name,
// creating it if absent. This is how the rotating backup artifacts are kept
// from accumulating history.
func (c *Client) UpsertNamed(ctx context.Context, name, parentID, mimeType string, r io.Reader) (string, error) {
	if !c.Authorized() {
		logging.Debugf(ctx, "Remote store not authorized, skipping upsert of %q", name)
		return "", nil
	}
	id, err := c.FindByName(ctx, name, parentID)
	if err != nil {
		return "", err
	}
	if id == "" {
		obj, err := c.Upload(ctx, name, parentID, mimeType, r)
		if err != nil {
			return "", err
		}
		return obj.ID, nil
	}
	_, err = c.svc.Files.Update(id, &drive.File{}).Media(r).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify(err, "updating %q", name)
	}
	return id, nil
}

func object(f *drive.File) *Object {
	return &Object{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		ViewURL:  f.WebViewLink,
	}
}

// classify annotates a Drive API error and tags it for callers.
//
// Responses 429 and 5xx are transient per the API's own backoff guidance;
// anything that never produced a response (transport trouble) is transient
// too. Other statuses are permanent and carry StatusCodeTag.
func classify(err error, format string, args ...any) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return transient.Tag.Apply(errors.Fmt(format+": %w", append(args, err)...))
	}
	out := errors.Fmt(format+": remote store replied with HTTP %d: %s",
		append(args, apiErr.Code, apiErr.Message)...)
	out = StatusCodeTag.ApplyValue(out, apiErr.Code)
	if apiErr.Code == 429 || apiErr.Code >= 500 {
		out = transient.Tag.Apply(out)
	}
	return out
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeQuery(s string) string {
	return queryEscaper.Replace(s)
}
