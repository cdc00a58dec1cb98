// Package cache implements aimager's on-disk cache store: the repo
// database cache, the package blob cache, the keyring cache, and scratch
// directories for in-progress builds, all rooted under one directory tree
// and written atomically via temp-file-then-rename.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/aimager/aimager/internal/logging"
)

// Store is a content-addressed cache rooted at Dir. The directory layout
// is:
//
//	<Dir>/repo/<repo-tag>/<arch>/<file>     — fetched .db / .files archives
//	<Dir>/pkg/<sha256>                      — extracted package blobs
//	<Dir>/keyring/<sha256>.tar               — bootstrapped keyring trees
//	<Dir>/build.<build-id>/                  — scratch dir for one build
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) repoPath(repoTag, arch, file string) string {
	return filepath.Join(s.Dir, "repo", repoTag, arch, file)
}

func (s *Store) pkgPath(sha256Hex string) string {
	return filepath.Join(s.Dir, "pkg", sha256Hex)
}

func (s *Store) keyringPath(sha256Hex string) string {
	return filepath.Join(s.Dir, "keyring", sha256Hex+".tar")
}

func (s *Store) buildPath(buildID string) string {
	return filepath.Join(s.Dir, "build."+buildID)
}

// RepoFile returns the path to a cached repo file (a .db.tar.gz/.db.tar.zst
// or .files counterpart) and whether it is present and newer than maxAge.
func (s *Store) RepoFile(repoTag, arch, file string, maxAge time.Duration) (path string, fresh bool) {
	path = s.repoPath(repoTag, arch, file)
	fi, err := os.Stat(path)
	if err != nil {
		return path, false
	}
	if maxAge <= 0 {
		return path, true
	}
	return path, time.Since(fi.ModTime()) < maxAge
}

// WriteRepoFile atomically stores r under the repo cache, creating parent
// directories as needed.
func (s *Store) WriteRepoFile(repoTag, arch, file string, r io.Reader) (string, error) {
	path := s.repoPath(repoTag, arch, file)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating repo cache dir: %w", err)
	}
	if err := atomicWrite(path, r); err != nil {
		return "", fmt.Errorf("writing repo cache file %s: %w", path, err)
	}
	logging.Debugf("cached repo file %s", path)
	return path, nil
}

// PkgBlob returns the path a package's extracted contents would live at,
// and whether it is already present.
func (s *Store) PkgBlob(sha256Hex string) (path string, present bool) {
	path = s.pkgPath(sha256Hex)
	_, err := os.Stat(path)
	return path, err == nil
}

// WritePkgBlob atomically stores r (an already-decompressed package
// archive, keyed by the sha256 of its compressed form as declared in the
// repo database) under the package cache.
func (s *Store) WritePkgBlob(sha256Hex string, r io.Reader) (string, error) {
	path := s.pkgPath(sha256Hex)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating pkg cache dir: %w", err)
	}
	if err := atomicWrite(path, r); err != nil {
		return "", fmt.Errorf("writing pkg cache blob %s: %w", path, err)
	}
	return path, nil
}

// KeyringTar returns the path to a cached keyring tree tarball keyed by the
// sha256 of the sorted keyring package name list, and whether it exists.
func (s *Store) KeyringTar(sha256Hex string) (path string, present bool) {
	path = s.keyringPath(sha256Hex)
	_, err := os.Stat(path)
	return path, err == nil
}

// WriteKeyringTar atomically stores a bootstrapped keyring tree tarball.
func (s *Store) WriteKeyringTar(sha256Hex string, r io.Reader) (string, error) {
	path := s.keyringPath(sha256Hex)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating keyring cache dir: %w", err)
	}
	if err := atomicWrite(path, r); err != nil {
		return "", fmt.Errorf("writing keyring cache tar %s: %w", path, err)
	}
	return path, nil
}

// BuildScratch returns (and creates) the scratch directory for one build
// id, e.g. <Dir>/build.archlinux-x86_64.
func (s *Store) BuildScratch(buildID string) (string, error) {
	path := s.buildPath(buildID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("creating build scratch dir: %w", err)
	}
	return path, nil
}

// RemoveBuildScratch deletes a build's scratch directory, used on
// successful completion (via aimager.RegisterAtExit). The clean-builds
// command uses CleanStaleBuilds instead.
func (s *Store) RemoveBuildScratch(buildID string) error {
	return os.RemoveAll(s.buildPath(buildID))
}

// CleanStaleBuilds removes every build.* scratch dir older than maxAge,
// returning the list of directories removed.
func (s *Store) CleanStaleBuilds(ctx context.Context, maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cache dir: %w", err)
	}
	var removed []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() || len(e.Name()) < 6 || e.Name()[:6] != "build." {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue
		}
		full := filepath.Join(s.Dir, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return removed, fmt.Errorf("removing stale scratch dir %s: %w", full, err)
		}
		removed = append(removed, full)
	}
	return removed, nil
}

// atomicWrite streams r into a temp file beside dest and renames it into
// place, so a reader never observes a partially written cache entry.
func atomicWrite(dest string, r io.Reader) error {
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, r); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
