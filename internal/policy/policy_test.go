package policy

import (
	"reflect"
	"testing"
)

func TestCanReadAdminBypass(t *testing.T) {
	e := &Evaluator{SharedWritePrefix: "uploads"}
	admin := Principal{ID: 1, Role: RoleAdmin, AllowedPathPrefix: "dawarc/circuit/ampere"}

	paths := []string{"", "anything", "dawarc/circuit/tesla/file.bin", "uploads/x"}
	for _, path := range paths {
		if !e.CanRead(admin, path) {
			t.Errorf("CanRead(admin, %q) = false, want true", path)
		}
		if !e.CanWrite(admin, path) {
			t.Errorf("CanWrite(admin, %q) = false, want true", path)
		}
		if !e.CanDelete(admin, path) {
			t.Errorf("CanDelete(admin, %q) = false, want true", path)
		}
	}
}

func TestCanReadPrefixScoping(t *testing.T) {
	e := &Evaluator{SharedWritePrefix: "uploads"}
	p := Principal{ID: 2, Role: RoleViewer, AllowedPathPrefix: "a/b"}

	tests := []struct {
		path string
		want bool
	}{
		{"a/b", true},
		{"a/b/", true},
		{"a/b/c", true},
		{"a/b/c/d.txt", true},
		{"a/bc", false},
		{"a/bc/d", false},
		{"a/", false},
		{"a", false},
		{"", false},
		{"other", false},
	}
	for _, tt := range tests {
		if got := e.CanRead(p, tt.path); got != tt.want {
			t.Errorf("CanRead(prefix=a/b, %q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCanReadUnrestricted(t *testing.T) {
	e := &Evaluator{SharedWritePrefix: "uploads"}

	// Empty and whitespace prefixes are normalized to unrestricted.
	for _, prefix := range []string{"", "  ", "/"} {
		p := Principal{ID: 3, Role: RoleViewer, AllowedPathPrefix: prefix}
		if !e.CanRead(p, "anywhere/at/all") {
			t.Errorf("CanRead(prefix=%q) = false, want true", prefix)
		}
	}
}

func TestCanWriteSharedAreaOnly(t *testing.T) {
	e := &Evaluator{SharedWritePrefix: "uploads"}

	tests := []struct {
		name string
		p    Principal
		path string
		want bool
	}{
		{"editor in shared area", Principal{Role: RoleEditor}, "uploads/report.pdf", true},
		{"editor nested in shared area", Principal{Role: RoleEditor}, "uploads/2025/report.pdf", true},
		{"editor outside shared area", Principal{Role: RoleEditor}, "dawarc/report.pdf", false},
		{"editor sibling of shared area", Principal{Role: RoleEditor}, "uploadsx/report.pdf", false},
		{"restricted editor still writes shared area", Principal{Role: RoleEditor, AllowedPathPrefix: "a/b"}, "uploads/f", true},
		{"restricted editor cannot write own read scope", Principal{Role: RoleEditor, AllowedPathPrefix: "a/b"}, "a/b/f", false},
		{"viewer cannot write anywhere", Principal{Role: RoleViewer}, "uploads/f", false},
		{"external viewer cannot write", Principal{Role: RoleExternalViewer}, "uploads/f", false},
	}
	for _, tt := range tests {
		if got := e.CanWrite(tt.p, tt.path); got != tt.want {
			t.Errorf("%s: CanWrite(%q) = %v, want %v", tt.name, tt.path, got, tt.want)
		}
	}
}

func TestCanDelete(t *testing.T) {
	e := &Evaluator{SharedWritePrefix: "uploads"}

	if !e.CanDelete(Principal{Role: RoleEditor}, "uploads/old.bin") {
		t.Error("editor should delete inside shared area")
	}
	if e.CanDelete(Principal{Role: RoleEditor}, "dawarc/old.bin") {
		t.Error("editor should not delete outside shared area")
	}
	if e.CanDelete(Principal{Role: RoleViewer}, "uploads/old.bin") {
		t.Error("viewer should not delete")
	}
}

func TestEffectivePrefixes(t *testing.T) {
	e := &Evaluator{SharedWritePrefix: "uploads"}

	tests := []struct {
		name string
		p    Principal
		want []string
	}{
		{"admin", Principal{Role: RoleAdmin, AllowedPathPrefix: "ignored"}, []string{""}},
		{"unscoped viewer", Principal{Role: RoleViewer}, []string{""}},
		{"empty prefix viewer", Principal{Role: RoleViewer, AllowedPathPrefix: ""}, []string{""}},
		{"scoped viewer", Principal{Role: RoleViewer, AllowedPathPrefix: "a/b"}, []string{"a/b/"}},
		{"scoped with trailing delimiter", Principal{Role: RoleViewer, AllowedPathPrefix: "a/b/"}, []string{"a/b/"}},
	}
	for _, tt := range tests {
		got := e.EffectivePrefixes(tt.p)
		if len(got) == 0 {
			t.Fatalf("%s: EffectivePrefixes returned empty set", tt.name)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: EffectivePrefixes = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMergePrefixes(t *testing.T) {
	static := []string{"dawarc/circuit/ampere", "dawarc/circuit/hertz"}
	discovered := []string{"dawarc/circuit/hertz/", "prm/", "dawarc/circuit/ampere"}

	got := MergePrefixes(static, discovered)
	want := []string{"dawarc/circuit/ampere", "dawarc/circuit/hertz", "prm"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergePrefixes = %v, want %v", got, want)
	}
}

func TestMergePrefixesEmpty(t *testing.T) {
	if got := MergePrefixes(nil, nil); len(got) != 0 {
		t.Errorf("MergePrefixes(nil, nil) = %v, want empty", got)
	}
	// Empty strings never survive the merge.
	if got := MergePrefixes([]string{"", "/"}, []string{"  "}); len(got) != 0 {
		t.Errorf("MergePrefixes of empties = %v, want empty", got)
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleAdmin, PermFilesDelete, true},
		{RoleEditor, PermFilesWrite, true},
		{RoleEditor, PermFilesDelete, true},
		{RoleViewer, PermFilesRead, true},
		{RoleViewer, PermFilesWrite, false},
		{RoleExternalViewer, PermFilesRead, true},
		{RoleExternalViewer, PermAnalyticsRead, false},
	}
	for _, tt := range tests {
		p := Principal{Role: tt.role}
		if got := HasPermission(p, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
