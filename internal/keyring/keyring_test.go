package keyring

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aimager/aimager/internal/cache"
)

func TestIDIsOrderAndDuplicateInsensitive(t *testing.T) {
	a := ID([]string{"archlinux-keyring", "gnupg"})
	b := ID([]string{"gnupg", "archlinux-keyring"})
	if a != b {
		t.Errorf("ID should not depend on input order: %s != %s", a, b)
	}
	c := ID([]string{"gnupg", "archlinux-keyring", "gnupg"})
	if b != c {
		t.Errorf("ID should dedupe repeated packages: %s != %s", b, c)
	}
}

func TestIDDiffersForDifferentPackages(t *testing.T) {
	a := ID([]string{"archlinux-keyring"})
	b := ID([]string{"archlinuxarm-keyring"})
	if a == b {
		t.Error("different package sets should hash differently")
	}
}

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "private-keys-v1.d"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pubring.gpg"), []byte("fake keyring"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tarDirectory(dir, &buf); err != nil {
		t.Fatalf("tarDirectory: %v", err)
	}

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	foundPubring := false
	for _, n := range names {
		if n == "pubring.gpg" {
			foundPubring = true
		}
	}
	if !foundPubring {
		t.Errorf("expected pubring.gpg in tar, got %v", names)
	}
}

func TestExtractTarRecreatesFilesAndSymlinks(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "private-keys-v1.d"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "pubring.gpg"), []byte("fake keyring"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("pubring.gpg", filepath.Join(src, "pubring.gpg.link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tarDirectory(src, &buf); err != nil {
		t.Fatalf("tarDirectory: %v", err)
	}
	tarPath := filepath.Join(t.TempDir(), "keyring.tar")
	if err := os.WriteFile(tarPath, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "gnupg")
	if err := extractTar(tarPath, dst); err != nil {
		t.Fatalf("extractTar: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "pubring.gpg"))
	if err != nil {
		t.Fatalf("reading extracted pubring.gpg: %v", err)
	}
	if string(data) != "fake keyring" {
		t.Errorf("pubring.gpg = %q", data)
	}
	if fi, err := os.Stat(filepath.Join(dst, "private-keys-v1.d")); err != nil || !fi.IsDir() {
		t.Errorf("expected private-keys-v1.d directory to be recreated: %v", err)
	}
	link, err := os.Readlink(filepath.Join(dst, "pubring.gpg.link"))
	if err != nil {
		t.Fatalf("reading extracted symlink: %v", err)
	}
	if link != "pubring.gpg" {
		t.Errorf("symlink target = %q, want pubring.gpg", link)
	}
}

func TestResolveExtractsCachedKeyringOnHit(t *testing.T) {
	store := cache.New(t.TempDir())
	pkgs := []string{"archlinux-keyring"}
	id := ID(pkgs)

	seed := t.TempDir()
	if err := os.WriteFile(filepath.Join(seed, "pubring.gpg"), []byte("fake keyring"), 0600); err != nil {
		t.Fatal(err)
	}
	r, w := io.Pipe()
	go func() { w.CloseWithError(tarDirectory(seed, w)) }()
	if _, err := store.WriteKeyringTar(id, r); err != nil {
		t.Fatalf("seeding keyring cache: %v", err)
	}

	buildRoot := t.TempDir()
	b := New(store)
	if _, err := b.Resolve(pkgs, buildRoot); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(buildRoot, "etc", "pacman.d", "gnupg", "pubring.gpg"))
	if err != nil {
		t.Fatalf("Resolve should extract the cached tree onto buildRoot: %v", err)
	}
	if string(data) != "fake keyring" {
		t.Errorf("pubring.gpg = %q", data)
	}
}

func TestNativeHelperTreeReportsAbsence(t *testing.T) {
	b := New(cache.New(t.TempDir()))
	if _, present := b.NativeHelperTree("aarch64"); present {
		t.Error("expected no helper tree cached for a fresh store")
	}
}
