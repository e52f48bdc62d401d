// Package client provides the caller-side session layer: credential
// storage, transparent single-flight token refresh, and typed API calls
// against an arcvault server.
package client

import "sync"

// Credentials is the bearer pair issued by login and refresh. The pair
// is only ever valid together; it is replaced and cleared as a unit.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no credentials are held.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// CredentialStore holds the current credential pair. All access is
// atomic with respect to refresh: a reader never observes a
// half-written pair. It is an injected dependency, not a package
// global.
type CredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Load returns the current pair.
func (s *CredentialStore) Load() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Replace installs a new pair atomically.
func (s *CredentialStore) Replace(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
}

// Clear removes the pair.
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
}
