package emitter

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestEmitRootTar(t *testing.T) {
	rootDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootDir, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootDir, "etc", "hostname"), []byte("aimager\n"), 0644); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	r := New(outDir)
	name, err := r.EmitRootTar(rootDir)
	if err != nil {
		t.Fatalf("EmitRootTar: %v", err)
	}
	if name != "root.tar" {
		t.Fatalf("name = %q, want root.tar", name)
	}

	f, err := os.Open(filepath.Join(outDir, "root.tar"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Name == filepath.Join("etc", "hostname") || hdr.Name == "etc/hostname" {
			found = true
		}
	}
	if !found {
		t.Error("expected etc/hostname entry in root.tar")
	}

	if got := r.Artifacts(); len(got) != 1 || got[0] != "root.tar" {
		t.Errorf("Artifacts() = %v", got)
	}
}

func TestEmitThenExtractRootTarRoundTrip(t *testing.T) {
	rootDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootDir, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootDir, "etc", "hostname"), []byte("aimager\n"), 0644); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	r := New(outDir)
	if _, err := r.EmitRootTar(rootDir); err != nil {
		t.Fatalf("EmitRootTar: %v", err)
	}

	restoreDir := t.TempDir()
	if err := ExtractRootTar(filepath.Join(outDir, "root.tar"), restoreDir); err != nil {
		t.Fatalf("ExtractRootTar: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(restoreDir, "etc", "hostname"))
	if err != nil {
		t.Fatalf("reading restored hostname: %v", err)
	}
	if string(got) != "aimager\n" {
		t.Errorf("restored hostname = %q", got)
	}
}

func TestCopyAtOffset(t *testing.T) {
	dir := t.TempDir()
	dst, err := os.CreateTemp(dir, "dst")
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := dst.Truncate(1024); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := copyAtOffset(dst, src, 100); err != nil {
		t.Fatalf("copyAtOffset: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := dst.ReadAt(buf, 100); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("data at offset = %q, want hello", buf)
	}
}

func TestStringsReader(t *testing.T) {
	r := stringsReader("label: gpt\n")
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("label: gpt\n")) {
		t.Errorf("stringsReader content = %q", got)
	}
}

func TestSortedNames(t *testing.T) {
	r := New(t.TempDir())
	r.record("root.tar")
	r.record("disk.img")
	got := r.SortedNames()
	want := []string{"disk.img", "root.tar"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("SortedNames() = %v, want %v", got, want)
	}
}
