package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrSessionEnded means the refresh token was rejected or missing. The
// stored credentials have been cleared; the caller must log in again.
var ErrSessionEnded = errors.New("client: session ended, sign in again")

// SessionState describes the manager's refresh lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateRefreshing
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ctxKey int

// retriedKey marks a request already replayed after a refresh, so a
// second 401 passes through instead of looping.
const retriedKey ctxKey = 0

const refreshTimeout = 30 * time.Second

// Manager is an http.RoundTripper that attaches the current access
// token to every request and transparently refreshes it once on 401.
// Concurrent 401s coalesce into a single refresh call; every waiter
// retries with the new pair. A failed refresh clears the store and
// fails all waiters with ErrSessionEnded.
type Manager struct {
	store      *CredentialStore
	base       http.RoundTripper
	refreshURL string

	group singleflight.Group

	mu    sync.Mutex
	state SessionState

	// OnSessionEnd, if set, runs once when a refresh fails. Callers
	// use it to drop cached user state.
	OnSessionEnd func()
}

// NewManager wraps base (nil means http.DefaultTransport) with session
// handling. refreshURL is the absolute URL of the token refresh
// endpoint.
func NewManager(store *CredentialStore, base http.RoundTripper, refreshURL string) *Manager {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Manager{store: store, base: base, refreshURL: refreshURL}
}

// State returns the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Reset clears stored credentials and returns the manager to idle, for
// reuse after a fresh login.
func (m *Manager) Reset() {
	m.store.Clear()
	m.setState(StateIdle)
}

// isAuthEndpoint reports whether the request targets the session
// lifecycle itself. Those calls never trigger a refresh: a 401 from
// login is a bad password, a 401 from refresh is a dead session, and a
// 401 from me means the session is already gone.
func isAuthEndpoint(path string) bool {
	for _, suffix := range []string{"/auth/login", "/auth/refresh", "/auth/logout", "/auth/me"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	creds := m.store.Load()
	resp, err := m.send(req, creds.AccessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized ||
		isAuthEndpoint(req.URL.Path) ||
		req.Context().Value(retriedKey) != nil {
		return resp, nil
	}

	// The pair we read before sending may already be stale if another
	// request refreshed in the meantime; the refresh path re-checks.
	if creds.RefreshToken == "" {
		if m.store.Load().RefreshToken == "" {
			return resp, nil
		}
	}
	drain(resp)

	if err := m.refresh(req.Context(), creds); err != nil {
		return nil, err
	}

	retryReq, err := rewind(req)
	if err != nil {
		return nil, err
	}
	return m.send(retryReq, m.store.Load().AccessToken)
}

func (m *Manager) send(req *http.Request, token string) (*http.Response, error) {
	if token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return m.base.RoundTrip(req)
}

// refresh exchanges the refresh token for a new pair, deduplicating
// concurrent callers. The refresh request runs on its own context so
// one caller's cancellation cannot strand the others; a waiter whose
// own context ends is released immediately while the refresh proceeds.
func (m *Manager) refresh(ctx context.Context, seen Credentials) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		current := m.store.Load()
		if current.AccessToken != seen.AccessToken && current.AccessToken != "" {
			// Another caller already rotated the pair.
			return nil, nil
		}
		if current.RefreshToken == "" {
			return nil, m.endSession()
		}

		m.setState(StateRefreshing)

		pair, err := m.doRefresh(current.RefreshToken)
		if err != nil {
			return nil, errors.Join(m.endSession(), err)
		}

		m.store.Replace(Credentials{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
		})
		m.setState(StateIdle)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) endSession() error {
	m.store.Clear()
	m.setState(StateFailed)
	if m.OnSessionEnd != nil {
		m.OnSessionEnd()
	}
	return ErrSessionEnded
}

func (m *Manager) doRefresh(refreshToken string) (*TokenPair, error) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh rejected: status %d", resp.StatusCode)
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.New("refresh response missing tokens")
	}
	return &pair, nil
}

// rewind prepares the original request for one replay, marking it so a
// second 401 is returned as-is.
func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(context.WithValue(req.Context(), retriedKey, true))
	if req.Body == nil {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("client: cannot replay request with non-rewindable body")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
