package local

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arcvault/arcvault/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func put(t *testing.T, b *Backend, key, content string) {
	t.Helper()
	if err := b.Put(context.Background(), key, strings.NewReader(content), int64(len(content)), ""); err != nil {
		t.Fatalf("Put %q: %v", key, err)
	}
}

func TestListDelimiterEmulation(t *testing.T) {
	b := newTestBackend(t)
	put(t, b, "a/b/report.pdf", "x")
	put(t, b, "a/c/data.bin", "y")
	put(t, b, "a/top.txt", "z")

	listing, err := b.List(context.Background(), "a/", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	wantPrefixes := []string{"a/b/", "a/c/"}
	if len(listing.CommonPrefixes) != 2 ||
		listing.CommonPrefixes[0] != wantPrefixes[0] ||
		listing.CommonPrefixes[1] != wantPrefixes[1] {
		t.Errorf("common prefixes = %v, want %v", listing.CommonPrefixes, wantPrefixes)
	}
	if len(listing.Objects) != 1 || listing.Objects[0].Key != "a/top.txt" {
		t.Errorf("objects = %+v, want just a/top.txt", listing.Objects)
	}
}

func TestListMidSegmentPrefix(t *testing.T) {
	b := newTestBackend(t)
	put(t, b, "uploads/report-1.pdf", "x")
	put(t, b, "uploads/report-2.pdf", "y")
	put(t, b, "uploads/notes.txt", "z")

	listing, err := b.List(context.Background(), "uploads/report", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing.Objects) != 2 {
		t.Errorf("objects = %+v, want the two report files", listing.Objects)
	}
}

func TestListMissingPrefixEmpty(t *testing.T) {
	b := newTestBackend(t)

	listing, err := b.List(context.Background(), "nope/", 0)
	if err != nil {
		t.Fatalf("missing prefix should not error: %v", err)
	}
	if len(listing.CommonPrefixes) != 0 || len(listing.Objects) != 0 {
		t.Errorf("expected empty listing, got %+v", listing)
	}
}

func TestHeadAndMarker(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Head(ctx, "folder/"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Head before marker: err = %v, want ErrNotFound", err)
	}
	if err := b.PutMarker(ctx, "folder/"); err != nil {
		t.Fatalf("PutMarker: %v", err)
	}
	if _, err := b.Head(ctx, "folder/"); err != nil {
		t.Errorf("Head after marker: %v", err)
	}
}

func TestPresignPut(t *testing.T) {
	b := newTestBackend(t)

	url, err := b.PresignPut(context.Background(), "up/new.bin", time.Minute)
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("url = %q, want file:// scheme", url)
	}
	// The parent directory exists so the caller can write immediately.
	put(t, b, "up/new.bin", "data")
}

func TestPresignAndDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	put(t, b, "f.bin", "data")

	url, err := b.PresignGet(ctx, "f.bin", time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("url = %q, want file:// scheme", url)
	}

	if err := b.Delete(ctx, "f.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "f.bin"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := b.PresignGet(ctx, "f.bin", time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("presign after delete err = %v, want ErrNotFound", err)
	}
}
