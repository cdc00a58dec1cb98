// Package keyring bootstraps and caches the pacman-key keyring trees
// (/etc/pacman.d/gnupg) needed to verify signed packages, and borrows a
// native-architecture helper tree so keyring bootstrap on a cross build
// doesn't pay the cost of running gpg under emulation.
package keyring

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/aimager/aimager/internal/cache"
	"github.com/aimager/aimager/internal/logging"
)

// ID derives the cache key for a keyring built from the given package
// names: the sorted, deduplicated, newline-joined list, sha256 hashed the
// same way the teacher hashes build inputs for its own content-addressed
// cache.
func ID(packages []string) string {
	sorted := append([]string{}, packages...)
	sort.Strings(sorted)
	dedup := sorted[:0]
	var prev string
	for i, p := range sorted {
		if i > 0 && p == prev {
			continue
		}
		dedup = append(dedup, p)
		prev = p
	}
	h := sha256.New()
	io.WriteString(h, strings.Join(dedup, "\n"))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Bootstrapper builds and caches keyring trees.
type Bootstrapper struct {
	Cache *cache.Store
}

func New(store *cache.Store) *Bootstrapper {
	return &Bootstrapper{Cache: store}
}

// Resolve returns the cached keyring tarball path for packages and leaves
// the keyring in buildRoot's /etc/pacman.d/gnupg. On a cache hit the cached
// tarball is extracted there; otherwise pacman-key --init and then
// --populate <pkg> for each package are run against that directory and the
// result is cached.
func (b *Bootstrapper) Resolve(packages []string, buildRoot string) (tarPath string, err error) {
	id := ID(packages)
	gnupgDir := buildRoot + "/etc/pacman.d/gnupg"
	if path, present := b.Cache.KeyringTar(id); present {
		logging.Debugf("keyring cache hit for %d packages (id %s)", len(packages), id[:12])
		if err := extractTar(path, gnupgDir); err != nil {
			return "", xerrors.Errorf("extracting cached keyring tree: %w", err)
		}
		return path, nil
	}

	if err := runPacmanKey(gnupgDir, "--init"); err != nil {
		return "", xerrors.Errorf("pacman-key --init: %w", err)
	}
	for _, pkg := range packages {
		if err := runPacmanKey(gnupgDir, "--populate", pkg); err != nil {
			return "", xerrors.Errorf("pacman-key --populate %s: %w", pkg, err)
		}
	}

	r, w := io.Pipe()
	go func() {
		w.CloseWithError(tarDirectory(gnupgDir, w))
	}()
	path, err := b.Cache.WriteKeyringTar(id, r)
	if err != nil {
		return "", xerrors.Errorf("caching keyring tree: %w", err)
	}
	return path, nil
}

// tarDirectory streams dir as a tar archive to w, preserving the relative
// path of every regular file, directory and symlink underneath it.
func tarDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// extractTar unpacks a cached keyring tarball (as written by tarDirectory)
// onto dir, recreating the directory permissions and symlinks pacman-key
// --init/--populate produced when the tree was first built.
func extractTar(tarPath, dir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func runPacmanKey(gnupgDir string, args ...string) error {
	full := append([]string{"--gpgdir", gnupgDir}, args...)
	cmd := exec.Command("pacman-key", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %w: %s", cmd.Args, err, out)
	}
	return nil
}

// NativeHelperTree looks up the native-arch helper entry for hostArch in
// the keyring cache ("helper-<hostArch>.tar") and reports whether it is
// present. It does not build one when it is missing.
func (b *Bootstrapper) NativeHelperTree(hostArch string) (string, bool) {
	path, present := b.Cache.KeyringTar("helper-" + hostArch)
	return path, present
}
