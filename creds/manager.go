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

package creds

import (
	"context"
	"database/sql"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// State is the lifecycle state of the Manager.
type State int

const (
	// Uninitialized means no application identity is available: remote
	// features are disabled for this process.
	Uninitialized State = iota
	// KeysLoaded means the identity is known but no token record was found
	// in any tier yet.
	KeysLoaded
	// Authorized means a token record is loaded and usable.
	Authorized
	// Refreshing means the underlying auth layer is currently renewing the
	// access token.
	Refreshing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case KeysLoaded:
		return "keys-loaded"
	case Authorized:
		return "authorized"
	case Refreshing:
		return "refreshing"
	}
	return "unknown"
}

// ErrNotAuthorized is returned by TokenSource before the manager has both an
// identity and a token record. Health checks distinguish this from transient
// remote trouble.
var ErrNotAuthorized = errors.New("remote store credentials are not initialized")

// Manager owns the credential record and its persistence tiers.
//
// It observes every token refresh performed by the oauth2 transport (via the
// TokenSource it hands out) and writes the renewed record through all
// writable tiers, so a future cold start can recover the credentials without
// operator help as long as at least one tier survived.
type Manager struct {
	mu        sync.Mutex
	state     State
	ident     *Identity
	rec       *Record
	providers []Provider
	observers []func(Record)
}

// NewManager creates a manager over the given persistence tiers, in load
// priority order.
//
// A nil identity produces a manager permanently stuck in Uninitialized; all
// of its operations degrade gracefully so the process can run with remote
// features off.
func NewManager(ident *Identity, providers ...Provider) *Manager {
	m := &Manager{ident: ident, providers: providers}
	if ident != nil {
		m.state = KeysLoaded
	}
	return m
}

// Initialize loads the token record from the first tier that has one.
//
// Not finding a record anywhere is not an error: the manager stays in
// KeysLoaded and TokenSource keeps returning ErrNotAuthorized until a tier
// added later (see AttachDatabase) produces a record.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Uninitialized {
		return nil
	}
	return m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) error {
	for _, p := range m.providers {
		rec, err := p.Load(ctx)
		switch {
		case err != nil:
			logging.WithError(err).Warningf(ctx, "Skipping credential tier %s", p.Name())
		case rec != nil && rec.RefreshToken != "":
			logging.Infof(ctx, "Loaded remote store credentials from %s", p.Name())
			m.rec = rec
			m.state = Authorized
			return nil
		case rec != nil:
			logging.Warningf(ctx, "Credential tier %s has a record without a refresh token, ignoring", p.Name())
		}
	}
	return nil
}

// AttachDatabase adds the settings-table tier once the database exists.
//
// If the manager is still short of Authorized (the env and file tiers were
// empty, e.g. right after the database was restored from a remote snapshot),
// the new tier is immediately consulted.
func (m *Manager) AttachDatabase(ctx context.Context, db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, &DatabaseProvider{DB: db, Key: SettingsKey})
	if m.state == KeysLoaded {
		m.loadLocked(ctx)
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authorized is a shorthand for State() being Authorized or Refreshing.
func (m *Manager) Authorized() bool {
	s := m.State()
	return s == Authorized || s == Refreshing
}

// Record returns a copy of the current token record, or nil.
func (m *Manager) Record() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil
	}
	cpy := *m.rec
	return &cpy
}

// Subscribe registers an observer called after every persisted refresh.
//
// Used by tests and by components that cache derived clients.
func (m *Manager) Subscribe(fn func(Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// TokenSource returns an auto-refreshing token source for the remote store.
//
// Every refresh performed by the source is intercepted and written through
// the persistence tiers before the token is handed to the transport.
func (m *Manager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized && m.state != Refreshing {
		return nil, ErrNotAuthorized
	}
	cfg := &oauth2.Config{
		ClientID:     m.ident.ClientID,
		ClientSecret: m.ident.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{Scope},
	}
	return &notifyingSource{
		ctx:  ctx,
		m:    m,
		base: cfg.TokenSource(ctx, m.rec.Token()),
		last: m.rec.AccessToken,
	}, nil
}

// tokenRefreshed merges a renewed token into the record and persists it.
//
// Tier write failures are deliberately swallowed (logged only): a refresh
// that cannot be persisted is still a usable refresh.
func (m *Manager) tokenRefreshed(ctx context.Context, tok *oauth2.Token) {
	m.mu.Lock()
	m.state = Refreshing
	m.rec = merge(tok, m.rec)
	rec := *m.rec
	providers := append([]Provider(nil), m.providers...)
	observers := append(([]func(Record))(nil), m.observers...)
	m.mu.Unlock()

	logging.Debugf(ctx, "Remote store access token refreshed, persisting")
	for _, p := range providers {
		if err := p.Store(ctx, &rec); err != nil {
			logging.WithError(err).Warningf(ctx, "Failed to persist refreshed credentials to %s", p.Name())
		}
	}

	m.mu.Lock()
	m.state = Authorized
	m.mu.Unlock()

	for _, fn := range observers {
		fn(rec)
	}
}

// notifyingSource wraps the library's refreshing token source and reports
// every token change back to the manager.
//
// The oauth2 package gives no refresh callback, but a change of the access
// token observed here is exactly a completed refresh.
type notifyingSource struct {
	ctx  context.Context
	m    *Manager
	base oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *notifyingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed {
		s.m.tokenRefreshed(s.ctx, tok)
	}
	return tok, nil
}
