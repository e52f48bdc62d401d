package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arcvault/arcvault/pkg/retry"
)

// TokenPair is the credential pair returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// UserInfo is the authenticated user as reported by the server.
type UserInfo struct {
	ID                int    `json:"id"`
	Email             string `json:"email"`
	FullName          string `json:"full_name"`
	Role              string `json:"role"`
	AllowedPathPrefix string `json:"allowed_path_prefix"`
	IsActive          bool   `json:"is_active"`
}

// TreeNode is one entry in a directory listing.
type TreeNode struct {
	Type         string `json:"type"`
	Key          string `json:"key"`
	Name         string `json:"name"`
	Size         int64  `json:"size,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	ETag         string `json:"etag,omitempty"`
}

// Crumb is one breadcrumb segment.
type Crumb struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Current bool   `json:"current"`
}

// TreePage is one page of a directory listing.
type TreePage struct {
	Prefix      string     `json:"prefix"`
	Folders     []TreeNode `json:"folders"`
	Files       []TreeNode `json:"files"`
	Breadcrumbs []Crumb    `json:"breadcrumbs"`
	Page        int        `json:"page"`
	PageSize    int        `json:"page_size"`
	TotalPages  int        `json:"total_pages"`
	TotalItems  int        `json:"total_items"`
	Truncated   bool       `json:"truncated"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is a typed arcvault API client. All requests go through the
// session Manager, so expired access tokens are refreshed
// transparently.
type Client struct {
	baseURL string
	httpc   *http.Client
	manager *Manager
	store   *CredentialStore
	retry   retry.Config
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the underlying transport beneath the session
// manager.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.manager.base = rt }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// WithRetry overrides the retry policy for idempotent reads.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	store := NewCredentialStore()
	mgr := NewManager(store, nil, baseURL+"/api/v1/auth/refresh")
	c := &Client{
		baseURL: baseURL,
		manager: mgr,
		store:   store,
		httpc:   &http.Client{Transport: mgr, Timeout: 2 * time.Minute},
		retry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manager exposes the session manager, mainly for OnSessionEnd hooks.
func (c *Client) Manager() *Manager { return c.manager }

// Login authenticates and installs the returned pair in the store.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": email, "password": password}, &pair)
	if err != nil {
		return nil, err
	}
	c.store.Replace(Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
	c.manager.setState(StateIdle)
	return &pair, nil
}

// Logout revokes the server session and clears local credentials. The
// local pair is cleared even if the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	creds := c.store.Load()
	defer c.manager.Reset()
	if creds.RefreshToken == "" {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/auth/logout",
		map[string]string{"refresh_token": creds.RefreshToken}, nil)
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*UserInfo, error) {
	var u UserInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Tree lists one page of the folder at prefix. page and pageSize of 0
// take server defaults.
func (c *Client) Tree(ctx context.Context, prefix string, page, pageSize int) (*TreePage, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	path := "/api/v1/files/tree"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tree TreePage
	err := retry.Do(ctx, c.retry, func() error {
		return retryTransient(c.doJSON(ctx, http.MethodGet, path, nil, &tree))
	})
	if err != nil {
		return nil, err
	}
	return &tree, nil
}

// DownloadURL returns a short-lived direct download URL for key.
func (c *Client) DownloadURL(ctx context.Context, key string) (string, error) {
	path := "/api/v1/files/download/" + escapeKey(key)
	var out struct {
		URL string `json:"url"`
	}
	err := retry.Do(ctx, c.retry, func() error {
		return retryTransient(c.doJSON(ctx, http.MethodGet, path, nil, &out))
	})
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

// Upload sends file content to the given virtual path. Uploads are not
// retried; a failure is reported to the caller to resolve.
func (c *Client) Upload(ctx context.Context, path, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("read upload content: %w", err)
	}
	if path != "" {
		if err := mw.WriteField("path", path); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/files/upload", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Key string `json:"key"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

// CreateFolder creates the folder at path. Creating an existing folder
// succeeds.
func (c *Client) CreateFolder(ctx context.Context, path string) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/files/create-folder",
		map[string]string{"path": path}, &out)
	if err != nil {
		return "", err
	}
	return out.Key, nil
}

// Delete removes the object at key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/files/"+escapeKey(key), nil, nil)
}

// escapeKey path-escapes every segment of an object key while keeping
// the delimiters as URL path separators.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// doJSON performs one JSON request/response exchange.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&msg) == nil {
			apiErr.Message = msg.Error
		}
		return apiErr
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// retryTransient classifies errors for the read-retry loop: transport
// errors and 5xx responses are worth another attempt, everything else
// is final.
func retryTransient(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 {
			return retry.Transient(err)
		}
		return err
	}
	if errors.Is(err, ErrSessionEnded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Transient(err)
}
