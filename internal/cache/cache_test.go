package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadRepoFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	path, err := s.WriteRepoFile("core", "x86_64", "core.db", strings.NewReader("fake db contents"))
	if err != nil {
		t.Fatalf("WriteRepoFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "fake db contents" {
		t.Fatalf("contents = %q, want %q", got, "fake db contents")
	}

	gotPath, fresh := s.RepoFile("core", "x86_64", "core.db", 0)
	if gotPath != path {
		t.Fatalf("RepoFile path = %q, want %q", gotPath, path)
	}
	if !fresh {
		t.Fatal("RepoFile should report fresh with maxAge=0")
	}
}

func TestRepoFileStaleness(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	path := s.repoPath("core", "x86_64", "core.db")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	_, fresh := s.RepoFile("core", "x86_64", "core.db", time.Minute)
	if fresh {
		t.Fatal("expected stale repo file to report fresh=false")
	}
}

func TestPkgBlobPresence(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	sum := strings.Repeat("a", 64)

	if _, present := s.PkgBlob(sum); present {
		t.Fatal("expected PkgBlob absent before write")
	}
	if _, err := s.WritePkgBlob(sum, strings.NewReader("pkgdata")); err != nil {
		t.Fatalf("WritePkgBlob: %v", err)
	}
	if _, present := s.PkgBlob(sum); !present {
		t.Fatal("expected PkgBlob present after write")
	}
}

func TestCleanStaleBuilds(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	fresh, err := s.BuildScratch("keep-me")
	if err != nil {
		t.Fatal(err)
	}
	stale, err := s.BuildScratch("remove-me")
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CleanStaleBuilds(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanStaleBuilds: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("removed = %v, want [%s]", removed, stale)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh scratch dir to survive: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale scratch dir removed, stat err = %v", err)
	}
}
