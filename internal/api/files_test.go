package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/arcvault/arcvault/internal/auth"
	"github.com/arcvault/arcvault/internal/config"
	"github.com/arcvault/arcvault/internal/gateway"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/storage"
	"github.com/arcvault/arcvault/internal/users"
)

// fakeBackend serves canned listings and objects.
type fakeBackend struct {
	listings map[string]*storage.Listing
	objects  map[string][]byte
	listErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		listings: map[string]*storage.Listing{},
		objects:  map[string][]byte{},
	}
}

func (f *fakeBackend) List(ctx context.Context, prefix string, maxKeys int) (*storage.Listing, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if l, ok := f.listings[prefix]; ok {
		return l, nil
	}
	return &storage.Listing{Prefix: prefix}, nil
}

func (f *fakeBackend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, _ := io.ReadAll(body)
	f.objects[key] = data
	return nil
}

func (f *fakeBackend) PutMarker(ctx context.Context, key string) error {
	f.objects[key] = nil
	return nil
}

func (f *fakeBackend) Head(ctx context.Context, key string) (*storage.Object, error) {
	if _, ok := f.objects[key]; !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Object{Key: key}, nil
}

func (f *fakeBackend) PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if _, ok := f.objects[key]; !ok {
		return "", storage.ErrNotFound
	}
	return "https://example.test/" + key, nil
}

func (f *fakeBackend) PresignPut(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	return "https://example.test/put/" + key, nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	if _, ok := f.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBackend) Type() string { return "fake" }
func (f *fakeBackend) Close() error { return nil }

type testAuditor struct{}

func (testAuditor) RecordAudit(ctx context.Context, e users.AuditEntry) {}

func newTestServer(backend storage.Backend) *Server {
	cfg := &config.Config{
		ListMaxKeys:       10000,
		SharedWritePrefix: "uploads",
		MaxUploadSize:     1 << 20,
		NamedPathPrefixes: []string{"dawarc/circuit/ampere", "dawarc/circuit/hertz"},
	}
	eval := &policy.Evaluator{SharedWritePrefix: cfg.SharedWritePrefix}
	return &Server{
		config:  cfg,
		backend: backend,
		gateway: gateway.New(backend, eval, testAuditor{}, nil),
		eval:    eval,
	}
}

func asUser(r *http.Request, u *users.User) *http.Request {
	return r.WithContext(auth.ContextWithUser(r.Context(), u))
}

var (
	adminUser  = &users.User{ID: 1, Email: "admin@example.com", Role: policy.RoleAdmin, IsActive: true}
	editorUser = &users.User{ID: 7, Email: "editor@example.com", Role: policy.RoleEditor, IsActive: true}
	scopedUser = &users.User{
		ID: 9, Email: "ext@example.com", Role: policy.RoleExternalViewer,
		AllowedPathPrefix: "dawarc/circuit/ampere", IsActive: true,
	}
)

// ─── Tree ───────────────────────────────────────────────────────────────────

func TestTreeRootListing(t *testing.T) {
	backend := newFakeBackend()
	backend.listings[""] = &storage.Listing{
		CommonPrefixes: []string{"x/", "y/"},
		Objects: []storage.Object{
			{Key: "x/f1"}, // not a direct child, shaped out
			{Key: "z", Size: 3},
		},
	}
	s := newTestServer(backend)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree", nil), adminUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp treeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Folders) != 2 || resp.Folders[0].Name != "x" || resp.Folders[1].Name != "y" {
		t.Errorf("folders = %+v", resp.Folders)
	}
	if len(resp.Files) != 1 || resp.Files[0].Name != "z" {
		t.Errorf("files = %+v", resp.Files)
	}
	if len(resp.Breadcrumbs) != 1 || resp.Breadcrumbs[0].Name != "Home" {
		t.Errorf("breadcrumbs = %+v", resp.Breadcrumbs)
	}
}

func TestTreeScopedPrincipalRootedAtPrefix(t *testing.T) {
	backend := newFakeBackend()
	backend.listings["dawarc/circuit/ampere/"] = &storage.Listing{
		CommonPrefixes: []string{"dawarc/circuit/ampere/2025/"},
	}
	s := newTestServer(backend)

	// No prefix requested: the scoped principal lands at its subtree.
	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree", nil), scopedUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp treeResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Prefix != "dawarc/circuit/ampere/" {
		t.Errorf("prefix = %q", resp.Prefix)
	}
	if len(resp.Folders) != 1 || resp.Folders[0].Name != "2025" {
		t.Errorf("folders = %+v", resp.Folders)
	}
}

func TestTreeOutOfScopeDenied(t *testing.T) {
	s := newTestServer(newFakeBackend())

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree?prefix=dawarc/circuit/hertz", nil), scopedUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTreeSiblingPrefixNotMatched(t *testing.T) {
	// "dawarc/circuit/ampere" must not grant "dawarc/circuit/ampere-x".
	s := newTestServer(newFakeBackend())

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree?prefix=dawarc/circuit/ampere-x", nil), scopedUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTreeMissingPrefixEmptyListing(t *testing.T) {
	s := newTestServer(newFakeBackend())

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree?prefix=nope", nil), adminUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want empty 200 for a missing prefix", rec.Code)
	}
	var resp treeResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Folders) != 0 || len(resp.Files) != 0 {
		t.Errorf("expected empty listing, got %+v", resp)
	}
	if resp.Page != 1 || resp.TotalPages != 1 {
		t.Errorf("page bounds = %d/%d, want 1/1", resp.Page, resp.TotalPages)
	}
}

func TestTreePagination(t *testing.T) {
	listing := &storage.Listing{}
	for i := 0; i < 45; i++ {
		listing.Objects = append(listing.Objects, storage.Object{
			Key: "f" + strconv.Itoa(i),
		})
	}
	backend := newFakeBackend()
	backend.listings[""] = listing
	s := newTestServer(backend)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree?page=3&page_size=20", nil), adminUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	var resp treeResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TotalItems != 45 || resp.TotalPages != 3 {
		t.Fatalf("totals = %d items / %d pages", resp.TotalItems, resp.TotalPages)
	}
	if got := len(resp.Files); got != 5 {
		t.Errorf("page 3 size = %d, want 5", got)
	}

	// Out-of-range page clamps to the last page.
	req = asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree?page=99&page_size=20", nil), adminUser)
	rec = httptest.NewRecorder()
	s.handleTree(rec, req)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Page != 3 {
		t.Errorf("clamped page = %d, want 3", resp.Page)
	}
}

func TestTreeBackendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.listErr = errors.New("storage down")
	s := newTestServer(backend)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/tree", nil), adminUser)
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// ─── Download ───────────────────────────────────────────────────────────────

func TestDownloadURL(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["dawarc/circuit/ampere/report.pdf"] = []byte("x")
	s := newTestServer(backend)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/files/download/dawarc/circuit/ampere/report.pdf", nil)
	r.SetPathValue("key", "dawarc/circuit/ampere/report.pdf")
	rec := httptest.NewRecorder()
	s.handleDownloadURL(rec, asUser(r, scopedUser))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["url"] != "https://example.test/dawarc/circuit/ampere/report.pdf" {
		t.Errorf("url = %v", resp["url"])
	}
}

func TestDownloadURLOutOfScope(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["dawarc/circuit/hertz/report.pdf"] = []byte("x")
	s := newTestServer(backend)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/files/download/dawarc/circuit/hertz/report.pdf", nil)
	r.SetPathValue("key", "dawarc/circuit/hertz/report.pdf")
	rec := httptest.NewRecorder()
	s.handleDownloadURL(rec, asUser(r, scopedUser))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestDownloadURLNotFound(t *testing.T) {
	s := newTestServer(newFakeBackend())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/files/download/missing.bin", nil)
	r.SetPathValue("key", "missing.bin")
	rec := httptest.NewRecorder()
	s.handleDownloadURL(rec, asUser(r, adminUser))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func multipartUpload(t *testing.T, path, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", filename)
	io.WriteString(part, content)
	if path != "" {
		mw.WriteField("path", path)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadHandler(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(backend)

	rec := httptest.NewRecorder()
	s.handleUpload(rec, asUser(multipartUpload(t, "uploads/2025", "report.pdf", "data"), editorUser))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["key"] != "uploads/2025/report.pdf" {
		t.Errorf("key = %q", resp["key"])
	}
	if string(backend.objects["uploads/2025/report.pdf"]) != "data" {
		t.Errorf("stored = %q", backend.objects["uploads/2025/report.pdf"])
	}
}

func TestUploadHandlerDenied(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(backend)

	rec := httptest.NewRecorder()
	s.handleUpload(rec, asUser(multipartUpload(t, "dawarc/circuit", "f.txt", "x"), editorUser))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if len(backend.objects) != 0 {
		t.Errorf("backend touched on denied upload: %v", backend.objects)
	}
}

func TestPresignedUploadHandler(t *testing.T) {
	s := newTestServer(newFakeBackend())

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/presigned-upload?key=uploads/big.iso&expires_in=600", nil), editorUser)
	rec := httptest.NewRecorder()
	s.handlePresignedUpload(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["url"] != "https://example.test/put/uploads/big.iso" {
		t.Errorf("url = %v", resp["url"])
	}
	if resp["key"] != "uploads/big.iso" {
		t.Errorf("key = %v", resp["key"])
	}
	if resp["expires_in"] != float64(600) {
		t.Errorf("expires_in = %v, want 600", resp["expires_in"])
	}
}

func TestPresignedUploadDenied(t *testing.T) {
	s := newTestServer(newFakeBackend())

	// Editors only write under the shared area.
	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/presigned-upload?key=dawarc/circuit/f.bin", nil), editorUser)
	rec := httptest.NewRecorder()
	s.handlePresignedUpload(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestPresignedUploadBadKey(t *testing.T) {
	s := newTestServer(newFakeBackend())

	// A delimiter-terminated key names a folder, not an upload target.
	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/files/presigned-upload?key=uploads/dir/", nil), adminUser)
	rec := httptest.NewRecorder()
	s.handlePresignedUpload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateFolderHandlerIdempotent(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(backend)

	body := `{"path":"uploads/new"}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files/create-folder", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.handleCreateFolder(rec, asUser(req, editorUser))
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, body %s", i+1, rec.Code, rec.Body)
		}
	}
	if _, ok := backend.objects["uploads/new/"]; !ok {
		t.Error("marker object missing")
	}
}

func TestDeleteHandler(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["uploads/old.bin"] = []byte("x")
	s := newTestServer(backend)

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/files/uploads/old.bin", nil)
	r.SetPathValue("key", "uploads/old.bin")
	rec := httptest.NewRecorder()
	s.handleDelete(rec, asUser(r, editorUser))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	s.handleDelete(rec, asUser(r, editorUser))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

// ─── Admin gating ───────────────────────────────────────────────────────────

func TestRequireAdmin(t *testing.T) {
	s := newTestServer(newFakeBackend())
	h := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/users", nil), editorUser))
	if rec.Code != http.StatusForbidden {
		t.Errorf("editor status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/users", nil), adminUser))
	if rec.Code != http.StatusNoContent {
		t.Errorf("admin status = %d, want 204", rec.Code)
	}
}

func TestDiscoverPaths(t *testing.T) {
	backend := newFakeBackend()
	backend.listings[""] = &storage.Listing{
		CommonPrefixes: []string{"dawarc/", "uploads/"},
	}
	s := newTestServer(backend)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/users/discover-paths", nil), adminUser)
	rec := httptest.NewRecorder()
	s.handleDiscoverPaths(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Prefixes []string `json:"prefixes"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	want := []string{"dawarc/circuit/ampere", "dawarc/circuit/hertz", "dawarc", "uploads"}
	if len(resp.Prefixes) != len(want) {
		t.Fatalf("prefixes = %v, want %v", resp.Prefixes, want)
	}
	for i := range want {
		if resp.Prefixes[i] != want[i] {
			t.Errorf("prefixes[%d] = %q, want %q", i, resp.Prefixes[i], want[i])
		}
	}
}
