// Package childroot builds the directory tree the setup stage chroots
// into, inside the fresh mount namespace the nsorchestrator already
// created: the virtual filesystems under /dev, /proc, /sys and /dev/pts,
// plus the bind mounts that make the package cache and keyring tree
// visible without copying them.
package childroot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Root describes the child root directory being assembled.
type Root struct {
	Dir string
}

func New(dir string) *Root {
	return &Root{Dir: dir}
}

func (r *Root) path(elem ...string) string {
	return filepath.Join(append([]string{r.Dir}, elem...)...)
}

// SetupDevFiles creates a minimal /dev (null, zero, random, urandom, tty)
// by bind-mounting each host device node in turn, the same one-node-at-a-
// time pattern the teacher uses for /dev/null alone. It returns the paths
// it mounted, for the caller to pass to Teardown.
func (r *Root) SetupDevFiles() ([]string, error) {
	dev := r.path("dev")
	if err := os.MkdirAll(dev, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dev, err)
	}
	var mounted []string
	for _, name := range []string{"null", "zero", "random", "urandom", "tty"} {
		target := filepath.Join(dev, name)
		if err := os.WriteFile(target, nil, 0644); err != nil {
			return mounted, fmt.Errorf("creating placeholder %s: %w", target, err)
		}
		if err := unix.Mount("/dev/"+name, target, "none", unix.MS_BIND, ""); err != nil {
			return mounted, fmt.Errorf("bind mounting /dev/%s: %w", name, err)
		}
		mounted = append(mounted, target)
	}
	return mounted, nil
}

// MountVirtualFS mounts /proc, /sys, /dev/pts and /dev/shm, matching the
// set of pseudo filesystems any chroot-based package install expects to
// find. It returns the paths it mounted, for the caller to pass to
// Teardown.
func (r *Root) MountVirtualFS() ([]string, error) {
	type vfs struct {
		target, fstype string
		flags          uintptr
	}
	mounts := []vfs{
		{"proc", "proc", 0},
		{"sys", "sysfs", 0},
		{filepath.Join("dev", "pts"), "devpts", 0},
		{filepath.Join("dev", "shm"), "tmpfs", 0},
	}
	var mounted []string
	for _, m := range mounts {
		target := r.path(m.target)
		if err := os.MkdirAll(target, 0755); err != nil {
			return mounted, fmt.Errorf("creating %s: %w", target, err)
		}
		if err := unix.Mount(m.fstype, target, m.fstype, m.flags, ""); err != nil {
			return mounted, fmt.Errorf("mounting %s on %s: %w", m.fstype, target, err)
		}
		mounted = append(mounted, target)
	}
	if err := os.Chmod(r.path("dev", "shm"), 0777|os.ModeSticky); err != nil {
		return mounted, fmt.Errorf("setting sticky bit on dev/shm: %w", err)
	}
	if err := os.Chmod(r.path("proc"), 0555); err != nil {
		return mounted, fmt.Errorf("setting mode on proc: %w", err)
	}
	if err := os.Chmod(r.path("sys"), 0555); err != nil {
		return mounted, fmt.Errorf("setting mode on sys: %w", err)
	}
	return mounted, nil
}

// WriteMinimalIdentity writes a one-line /etc/passwd and /etc/group
// containing only root, matching the literal files the teacher writes so
// that tools like python3 that insist on resolving uid 0 don't fail.
// Setup later overwrites these with the real package-provided files once
// filesystem and coreutils are installed.
func (r *Root) WriteMinimalIdentity() error {
	etc := r.path("etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", etc, err)
	}
	if err := os.WriteFile(filepath.Join(etc, "passwd"), []byte("root:x:0:0:root:/root:/bin/sh\n"), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(etc, "group"), []byte("root:x:0:\n"), 0644)
}

// BindCacheDir makes the host's package cache directory visible read-only
// inside the root, so pacman running in the namespace can reuse already
// downloaded/extracted packages without a copy. It returns the mounted
// path, for the caller to pass to Teardown.
func (r *Root) BindCacheDir(hostCacheDir string) ([]string, error) {
	target := r.path("var", "cache", "aimager", "pkg")
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", target, err)
	}
	if err := os.MkdirAll(hostCacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating host cache dir %s: %w", hostCacheDir, err)
	}
	if err := unix.Mount(hostCacheDir, target, "none", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return nil, fmt.Errorf("bind mounting cache dir: %w", err)
	}
	return []string{target}, nil
}

// BindHelperTree bind mounts a native-architecture helper tree (built by
// the keyring manager) at the given in-root path, read-only, so QEMU
// emulation can be skipped for that one subtree during a cross build. It
// returns the mounted path, for the caller to pass to Teardown.
func (r *Root) BindHelperTree(hostDir, inRootPath string) ([]string, error) {
	target := r.path(inRootPath)
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", target, err)
	}
	if err := unix.Mount(hostDir, target, "none", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return nil, fmt.Errorf("bind mounting helper tree %s: %w", hostDir, err)
	}
	return []string{target}, nil
}

// Teardown unmounts everything SetupDevFiles/MountVirtualFS/BindCacheDir/
// BindHelperTree mounted, in reverse order, tolerating EINVAL for mounts
// that were never established.
func (r *Root) Teardown(mountedPaths []string) error {
	var firstErr error
	for i := len(mountedPaths) - 1; i >= 0; i-- {
		if err := unix.Unmount(mountedPaths[i], 0); err != nil && err != unix.EINVAL && firstErr == nil {
			firstErr = fmt.Errorf("unmounting %s: %w", mountedPaths[i], err)
		}
	}
	return firstErr
}
