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

// Package creds keeps the remote-store OAuth credentials usable across
// process restarts on a host whose disk may not survive them.
//
// Credentials live in three tiers: the process environment (operator
// controlled, read-only from here), a local JSON file (fast, but gone after
// a redeploy) and a row in the application database's settings table (as
// durable as the database backups themselves). The first tier that has a
// record wins at startup; every refresh is written through to all writable
// tiers.
package creds

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"golang.org/x/oauth2"

	"go.chromium.org/luci/common/errors"

	"github.com/unrealcyber/academy/settings"
)

// Scope is the OAuth scope requested for the remote object store.
const Scope = "https://www.googleapis.com/auth/drive"

// Default environment variable and settings-table key names. Stable across
// restarts by contract: the operator sets the env vars once, the settings
// row travels inside database snapshots.
const (
	EnvClientID     = "GDRIVE_CLIENT_ID"
	EnvClientSecret = "GDRIVE_CLIENT_SECRET"
	EnvToken        = "GDRIVE_TOKEN"

	SettingsKey = "gdrive_token"
)

// Record is the full set of tokens needed to talk to the remote store.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// Token converts the record to the oauth2 library's token form.
func (r *Record) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
		TokenType:    r.TokenType,
	}
}

// merge folds a freshly minted token into an existing record.
//
// Providers don't always resend the refresh token or the scope, so fields
// missing from the new token are carried over from the previous record.
func merge(tok *oauth2.Token, prev *Record) *Record {
	out := &Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		TokenType:    tok.TokenType,
	}
	if scope, _ := tok.Extra("scope").(string); scope != "" {
		out.Scope = scope
	}
	if prev != nil {
		if out.RefreshToken == "" {
			out.RefreshToken = prev.RefreshToken
		}
		if out.Scope == "" {
			out.Scope = prev.Scope
		}
		if out.TokenType == "" {
			out.TokenType = prev.TokenType
		}
	}
	return out
}

// Identity is the application's own OAuth client identity.
type Identity struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// LoadIdentity reads the application identity from the environment, falling
// back to a local JSON keys file.
//
// Returns (nil, nil) if neither source has it: the caller is expected to
// continue with remote features disabled rather than fail.
func LoadIdentity(keysPath string) (*Identity, error) {
	if id, secret := os.Getenv(EnvClientID), os.Getenv(EnvClientSecret); id != "" && secret != "" {
		return &Identity{ClientID: id, ClientSecret: secret}, nil
	}
	blob, err := os.ReadFile(keysPath)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Fmt("reading keys file %s: %w", keysPath, err)
	}
	ident := &Identity{}
	if err := json.Unmarshal(blob, ident); err != nil {
		return nil, errors.Fmt("parsing keys file %s: %w", keysPath, err)
	}
	if ident.ClientID == "" || ident.ClientSecret == "" {
		return nil, nil
	}
	return ident, nil
}

// Provider is one tier of credential storage.
//
// Load returns (nil, nil) when the tier simply has no record. Store may be a
// no-op for read-only tiers.
type Provider interface {
	Name() string
	Load(ctx context.Context) (*Record, error)
	Store(ctx context.Context, r *Record) error
}

// EnvProvider reads a JSON-encoded record from an environment variable.
//
// The environment belongs to the operator: Store is a no-op.
type EnvProvider struct {
	Var string
}

func (p *EnvProvider) Name() string { return "env:" + p.Var }

func (p *EnvProvider) Load(ctx context.Context) (*Record, error) {
	raw := os.Getenv(p.Var)
	if raw == "" {
		return nil, nil
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, errors.Fmt("parsing $%s: %w", p.Var, err)
	}
	return rec, nil
}

func (p *EnvProvider) Store(ctx context.Context, r *Record) error { return nil }

// FileProvider keeps the record in a local JSON file.
type FileProvider struct {
	Path string
}

func (p *FileProvider) Name() string { return "file:" + p.Path }

func (p *FileProvider) Load(ctx context.Context) (*Record, error) {
	blob, err := os.ReadFile(p.Path)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Fmt("reading token file: %w", err)
	}
	rec := &Record{}
	if err := json.Unmarshal(blob, rec); err != nil {
		return nil, errors.Fmt("parsing token file %s: %w", p.Path, err)
	}
	return rec, nil
}

func (p *FileProvider) Store(ctx context.Context, r *Record) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return errors.Fmt("serializing token record: %w", err)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return errors.Fmt("writing token file: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		os.Remove(tmp)
		return errors.Fmt("replacing token file: %w", err)
	}
	return nil
}

// DatabaseProvider keeps the record in the application database's settings
// table, so it is captured by every database snapshot.
type DatabaseProvider struct {
	DB  *sql.DB
	Key string
}

func (p *DatabaseProvider) Name() string { return "db:" + p.Key }

func (p *DatabaseProvider) Load(ctx context.Context) (*Record, error) {
	raw, err := settings.Get(ctx, p.DB, p.Key)
	switch {
	case err == settings.ErrNoSetting:
		return nil, nil
	case err != nil:
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, errors.Fmt("parsing token record in settings: %w", err)
	}
	return rec, nil
}

func (p *DatabaseProvider) Store(ctx context.Context, r *Record) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return errors.Fmt("serializing token record: %w", err)
	}
	return settings.Set(ctx, p.DB, p.Key, string(blob))
}
