// Package emitter produces aimager's output artifacts: a plain root
// filesystem tarball, per-partition filesystem images (FAT boot, ext4
// root/home), the assembled disk image combining them at their table
// offsets, and a keyring-helper tarball for cross builds. Filesystem
// creation is delegated to the same external mkfs.* tools the teacher
// shells out to for its own disk images; no Go library in the example
// pack formats ext4 or FAT natively.
package emitter

import (
	"archive/tar"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"

	"github.com/aimager/aimager/internal/logging"
	"github.com/aimager/aimager/internal/parttable"
)

// Registry tracks every artifact produced during one build, in emission
// order, so the CLI can print a manifest.
type Registry struct {
	OutDir    string
	artifacts []string
}

func New(outDir string) *Registry {
	return &Registry{OutDir: outDir}
}

func (r *Registry) outPath(name string) string {
	return filepath.Join(r.OutDir, name)
}

func (r *Registry) record(name string) string {
	r.artifacts = append(r.artifacts, name)
	return name
}

// Artifacts returns every artifact name recorded so far, in emission
// order.
func (r *Registry) Artifacts() []string {
	out := make([]string, len(r.artifacts))
	copy(out, r.artifacts)
	return out
}

// EmitRootTar tars rootDir into <OutDir>/root.tar, atomically.
func (r *Registry) EmitRootTar(rootDir string) (string, error) {
	name := "root.tar"
	dest := r.outPath(name)
	if err := os.MkdirAll(r.OutDir, 0755); err != nil {
		return "", err
	}
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return "", err
	}
	defer t.Cleanup()

	tw := tar.NewWriter(t)
	err = filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootDir, path)
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
			f, ferr := os.Open(path)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			_, cerr := io.Copy(tw, f)
			return cerr
		}
		return nil
	})
	if err != nil {
		return "", xerrors.Errorf("building %s: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	logging.Infof("emitted %s", dest)
	return r.record(name), nil
}

// EmitKeyringHelperTar packages a native-arch helper tree (as produced by
// internal/keyring's NativeHelperTree) into a standalone tarball a cross
// build's child root can bind-mount, using go-cpio only as the fallback
// seed format for helper trees that predate aimager's own tar caching
// (older cached trees were written as cpio archives by an earlier aimager
// release; ReadSeedCpio below converts them on the fly).
func (r *Registry) EmitKeyringHelperTar(helperDir string) (string, error) {
	name := "keyring-helper.tar"
	dest := r.outPath(name)
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return "", err
	}
	defer t.Cleanup()

	tw := tar.NewWriter(t)
	err = filepath.Walk(helperDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(helperDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		hdr, hdrErr := tar.FileInfoHeader(info, "")
		if hdrErr != nil {
			return hdrErr
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, ferr := os.Open(path)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			_, cerr := io.Copy(tw, f)
			return cerr
		}
		return nil
	})
	if err != nil {
		return "", xerrors.Errorf("building %s: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return r.record(name), nil
}

// ExtractRootTar extracts a previously emitted root.tar into dstDir, used
// by the -reuse-root path to skip package installation entirely on a
// build that only needs to change setup-stage configuration.
func ExtractRootTar(tarPath, dstDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, hdr.Name)
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

// ReadSeedCpio converts a legacy cpio-format helper tree archive into the
// directory dstDir, for the one-time migration path described above.
func ReadSeedCpio(cpioPath, dstDir string) error {
	f, err := os.Open(cpioPath)
	if err != nil {
		return err
	}
	defer f.Close()

	cr := cpio.NewReader(f)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, hdr.Name)
		if hdr.Mode.IsDir() {
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode.Perm())); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode.Perm()))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, cr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// FormatPartitionImage creates a sized, empty filesystem image at path
// using the external mkfs tool appropriate for fsType, exactly as the
// teacher shells out to mkfs.fat/mkfs.ext2/mkfs.ext4 against a loop
// device — except aimager formats a plain regular file directly, which
// every one of those tools supports without requiring a loop device.
// fsUUID, when non-empty, pins the filesystem's own UUID (ext2/ext4 via
// mkfs -U, vfat via mkfs.fat's -i volume id) to the value fstab was
// already written to expect.
func FormatPartitionImage(path, fsType string, sizeBytes int64, fsUUID string) error {
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	var cmd *exec.Cmd
	switch fsType {
	case "vfat":
		args := []string{"-F32"}
		if fsUUID != "" {
			args = append(args, "-i", strings.ReplaceAll(fsUUID, "-", ""))
		}
		args = append(args, path)
		cmd = exec.Command("mkfs.fat", args...)
	case "ext2":
		args := []string{"-F"}
		if fsUUID != "" {
			args = append(args, "-U", fsUUID)
		}
		args = append(args, path)
		cmd = exec.Command("mkfs.ext2", args...)
	case "ext4":
		args := []string{"-F"}
		if fsUUID != "" {
			args = append(args, "-U", fsUUID)
		}
		args = append(args, path)
		cmd = exec.Command("mkfs.ext4", args...)
	default:
		return xerrors.Errorf("unsupported filesystem type %q", fsType)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%v: %w: %s", cmd.Args, err, out)
	}
	return nil
}

// EmitPartitionImage formats and records a sized filesystem image for one
// partition role, named "part-<role>.img", via FormatPartitionImage. The
// returned path is the full path suitable for AssembleDisk's
// partitionImages map.
func (r *Registry) EmitPartitionImage(role parttable.Role, fsType string, sizeBytes int64, fsUUID string) (path string, err error) {
	name := "part-" + string(role) + ".img"
	dest := r.outPath(name)
	if err := os.MkdirAll(r.OutDir, 0755); err != nil {
		return "", err
	}
	if err := FormatPartitionImage(dest+".tmp", fsType, sizeBytes, fsUUID); err != nil {
		return "", err
	}
	if err := os.Rename(dest+".tmp", dest); err != nil {
		return "", err
	}
	r.record(name)
	return dest, nil
}

// AssembleDisk sizes a single disk.img by parttable.Layout, writes the
// sfdisk-dump partition table into it via sfdisk (sfdisk supports writing
// directly to a regular file, skipping the loop-device setup the teacher
// needs only because it targets a block device), then writes each
// partition image at its table-assigned byte offset.
func (r *Registry) AssembleDisk(table parttable.Table, partitionImages map[parttable.Role]string) (string, error) {
	name := "disk.img"
	dest := r.outPath(name)

	total := parttable.Layout(&table)

	f, err := os.OpenFile(dest+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return "", err
	}

	sfdisk := exec.Command("sfdisk", dest+".tmp")
	sfdisk.Stdin = stringsReader(parttable.Render(table))
	if out, err := sfdisk.CombinedOutput(); err != nil {
		f.Close()
		return "", xerrors.Errorf("%v: %w: %s", sfdisk.Args, err, out)
	}

	for _, p := range table.Partitions {
		imgPath, ok := partitionImages[p.Role]
		if !ok {
			continue
		}
		if err := copyAtOffset(f, imgPath, p.StartLBA*parttable.SectorSize); err != nil {
			f.Close()
			return "", xerrors.Errorf("writing partition %s into disk image: %w", p.Name(), err)
		}
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(dest+".tmp", dest); err != nil {
		return "", err
	}
	logging.Infof("assembled %s (%d bytes)", dest, total)
	return r.record(name), nil
}

func copyAtOffset(dst *os.File, srcPath string, offset int64) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func stringsReader(s string) io.Reader {
	ws := writerseeker.WriterSeeker{}
	io.WriteString(&ws, s)
	return ws.Reader()
}

// SortedNames returns the artifact names recorded so far in alphabetical
// order, used only for deterministic manifest output.
func (r *Registry) SortedNames() []string {
	out := r.Artifacts()
	sort.Strings(out)
	return out
}
