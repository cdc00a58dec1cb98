package repoclient

import (
	"archive/tar"
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildDB(t *testing.T, descs map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range descs {
		hdr := &tar.Header{
			Name: name + "/desc",
			Mode: 0644,
			Size: int64(len(body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseDB(t *testing.T) {
	raw := buildDB(t, map[string]string{
		"pacman-6.0.2-1": "%NAME%\npacman\n\n%VERSION%\n6.0.2-1\n\n%FILENAME%\npacman-6.0.2-1-x86_64.pkg.tar.zst\n\n%SHA256SUM%\nabc123\n\n",
		"glibc-2.37-1":   "%NAME%\nglibc\n\n%VERSION%\n2.37-1\n\n%FILENAME%\nglibc-2.37-1-x86_64.pkg.tar.zst\n\n%SHA256SUM%\ndef456\n\n%PROVIDES%\nlibc\n\n",
	})

	descs, err := parseDB(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parseDB: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descs, want 2", len(descs))
	}

	pacman, ok := Resolve(descs, "pacman")
	if !ok {
		t.Fatal("expected to resolve pacman")
	}
	want := Desc{Name: "pacman", Version: "6.0.2-1", FileName: "pacman-6.0.2-1-x86_64.pkg.tar.zst", SHA256: "abc123"}
	if diff := cmp.Diff(want, pacman); diff != "" {
		t.Errorf("Resolve(pacman) mismatch (-want +got):\n%s", diff)
	}

	libc, ok := Resolve(descs, "libc")
	if !ok {
		t.Fatal("expected to resolve libc via %PROVIDES%")
	}
	if libc.Name != "glibc" {
		t.Fatalf("Resolve(libc).Name = %q, want glibc", libc.Name)
	}
}

func TestResolveNewestVersion(t *testing.T) {
	descs := []Desc{
		{Name: "foo", Version: "1.0-1"},
		{Name: "foo", Version: "1.2-1"},
		{Name: "foo", Version: "1.1-3"},
	}
	got, ok := Resolve(descs, "foo")
	if !ok {
		t.Fatal("expected to resolve foo")
	}
	if got.Version != "1.2-1" {
		t.Fatalf("Resolve newest = %q, want 1.2-1", got.Version)
	}
}

func TestResolveNotFound(t *testing.T) {
	_, ok := Resolve(nil, "missing")
	if ok {
		t.Fatal("expected Resolve to report not found")
	}
}

func TestRepoResolvedURL(t *testing.T) {
	r := Repo{Tag: "core", URLTemplate: "https://mirror.example/$repo/os/$arch"}
	got := r.ResolvedURL("x86_64")
	want := "https://mirror.example/core/os/x86_64"
	if got != want {
		t.Fatalf("ResolvedURL = %q, want %q", got, want)
	}
}

func TestDBFileNameFallback(t *testing.T) {
	if got := dbFileName("core", false); got != "core.db.tar.zst" {
		t.Fatalf("dbFileName modern = %q", got)
	}
	if got := dbFileName("core", true); got != "core.db.tar.gz" {
		t.Fatalf("dbFileName legacy = %q", got)
	}
}

func TestParseDescMissingName(t *testing.T) {
	_, err := parseDesc(strings.NewReader("%VERSION%\n1.0-1\n"))
	if err == nil {
		t.Fatal("expected error for desc without %NAME%")
	}
}
