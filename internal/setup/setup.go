// Package setup drives the setup stage: the sequence of operations that
// turn a bare child root (populated by the namespace orchestrator and
// childroot package) into a configured Arch Linux system — installing
// packages, pinning the initrd maker into universal mode, writing fstab,
// configuring the chosen bootloader, and setting the hostname and locale.
package setup

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/xerrors"

	"github.com/aimager/aimager"
	"github.com/aimager/aimager/internal/parttable"
)

// Stage holds the state threaded through one setup run.
type Stage struct {
	RootDir      string
	BuildContext aimager.BuildContext
	// ConfigPath, if set, is passed to pacman as --config so the rendered
	// pmconfig file actually governs the install instead of pacman's
	// system default.
	ConfigPath string
}

func New(rootDir string, bc aimager.BuildContext) *Stage {
	return &Stage{RootDir: rootDir, BuildContext: bc}
}

func (s *Stage) path(elem ...string) string {
	return filepath.Join(append([]string{s.RootDir}, elem...)...)
}

// InstallPackages runs pacman -Sy inside the root for every user package
// plus the kernel and microcode packages the board preset selected, in one
// invocation so pacman can resolve the combined dependency graph at once.
func (s *Stage) InstallPackages() error {
	pkgs := make([]string, 0, len(s.BuildContext.UserPackages)+len(s.BuildContext.KernelPackages)+len(s.BuildContext.Microcode))
	pkgs = append(pkgs, s.BuildContext.KernelPackages...)
	for pkg := range s.BuildContext.Microcode {
		pkgs = append(pkgs, pkg)
	}
	for pkg := range s.BuildContext.UserPackages {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	if len(pkgs) == 0 {
		return xerrors.New("no packages selected for installation")
	}

	args := []string{"--root", s.RootDir}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	args = append(args, "--noconfirm", "--needed", "-Sy")
	args = append(args, pkgs...)
	cmd := exec.Command("pacman", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%v: %w: %s", cmd.Args, err, out)
	}
	return nil
}

// initrdHookTemplatePath is where PinInitrdMaker stashes a stock kernel
// preset's hook scaffolding, for RestoreInitrdPresets to re-render from
// once package installation has overwritten the originals.
const initrdHookTemplatePath = "etc/aimager/mkinitcpio-hook-template.preset"

// PinInitrdMaker forces the chosen initrd generator into "universal" mode,
// so the produced image boots on hardware other than the exact build
// machine, following each generator's own documented override mechanism.
func (s *Stage) PinInitrdMaker() error {
	switch s.BuildContext.InitrdMaker {
	case "", "booster":
		return s.pinBooster()
	case "mkinitcpio":
		return s.pinMkinitcpio()
	case "dracut":
		return xerrors.New("dracut initrd maker support is not yet implemented")
	default:
		return xerrors.Errorf("unknown initrd maker %q", s.BuildContext.InitrdMaker)
	}
}

// pinBooster backs up any package-provided /etc/booster.yaml as a
// .pacsave before overwriting it with the universal-image override, the
// same convention pacman itself uses for modified config files.
func (s *Stage) pinBooster() error {
	target := s.path("etc", "booster.yaml")
	data, err := os.ReadFile(target)
	switch {
	case err == nil:
		if err := s.writeFile("etc/booster.yaml.pacsave", string(data)); err != nil {
			return err
		}
	case os.IsNotExist(err):
	default:
		return err
	}
	return s.writeFile("etc/booster.yaml", "universal: true\n")
}

// pinMkinitcpio saves one stock kernel preset as a restore template, then
// sets PRESETS=('fallback') in the shared hook preset override so every
// installed kernel only builds its universal fallback image.
func (s *Stage) pinMkinitcpio() error {
	presetDir := s.path("etc", "mkinitcpio.d")
	entries, err := os.ReadDir(presetDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".preset") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(presetDir, e.Name()))
		if err != nil {
			return err
		}
		if err := s.writeFile(initrdHookTemplatePath, string(data)); err != nil {
			return err
		}
		break // every stock kernel preset carries the same hook scaffolding
	}
	return s.writeFile("etc/mkinitcpio.conf.d/aimager-universal.conf", "PRESETS=('fallback')\n")
}

// RestoreInitrdPresets re-renders each installed kernel's mkinitcpio
// preset file from the hook template PinInitrdMaker saved before package
// installation overwrote it. A no-op for initrd makers that don't need a
// restore step.
func (s *Stage) RestoreInitrdPresets() error {
	if s.BuildContext.InitrdMaker != "mkinitcpio" {
		return nil
	}
	tmplData, err := os.ReadFile(s.path(filepath.FromSlash(initrdHookTemplatePath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	kernels := s.BuildContext.KernelPackages
	if len(kernels) == 0 {
		kernels = []string{"linux"}
	}
	for _, kernel := range kernels {
		rendered := strings.ReplaceAll(string(tmplData), "%PKGBASE%", kernel)
		if err := s.writeFile(filepath.Join("etc", "mkinitcpio.d", kernel+".preset"), rendered); err != nil {
			return err
		}
	}
	return nil
}

var fstabTmpl = template.Must(template.New("fstab").Parse(
	`# aimager-generated fstab — regenerated every build, do not edit.
{{- range . }}
{{ .Device }}  {{ .MountPoint }}  {{ .FSType }}  {{ .Options }}  0  {{ .Pass }}
{{- end }}
`))

// FstabEntry is one line of /etc/fstab.
type FstabEntry struct {
	Device, MountPoint, FSType, Options string
	Pass                                int
}

// RoleFstabDefaults returns the fstab entry template — filesystem type,
// mount options, mountpoint and pass number — for a partition's role, per
// §4.8 step 4. The Device field is left zero for the caller to fill in
// with "UUID=<filesystem uuid>".
func RoleFstabDefaults(role parttable.Role) (FstabEntry, bool) {
	switch role {
	case parttable.RoleRoot:
		return FstabEntry{MountPoint: "/", FSType: "ext4", Options: "rw,noatime,defaults", Pass: 1}, true
	case parttable.RoleBoot:
		return FstabEntry{MountPoint: "/boot", FSType: "vfat", Options: "rw,defaults", Pass: 2}, true
	case parttable.RoleHome:
		return FstabEntry{MountPoint: "/home", FSType: "ext4", Options: "rw,noatime,defaults", Pass: 1}, true
	case parttable.RoleSwap:
		return FstabEntry{MountPoint: "none", FSType: "swap", Options: "defaults", Pass: 0}, true
	default:
		return FstabEntry{}, false
	}
}

// WriteFstab renders entries, keyed by the filesystem UUIDs the caller
// assigned, and installs the result as /etc/fstab.
func (s *Stage) WriteFstab(entries []FstabEntry) error {
	var buf strings.Builder
	if err := fstabTmpl.Execute(&buf, entries); err != nil {
		return err
	}
	return s.writeFile("etc/fstab", buf.String())
}

var systemdBootLoaderConfTmpl = template.Must(template.New("loader.conf").Parse(
	`default  {{ .Default }}
timeout  3
console-mode max
`))

type systemdBootEntry struct {
	Title    string
	Linux    string
	Initrds  []string
	RootUUID string
}

var systemdBootEntryTmpl = template.Must(template.New("entry.conf").Parse(
	`title   {{ .Title }}
linux   {{ .Linux }}
{{- range .Initrds }}
initrd  {{ . }}
{{- end }}
options root=UUID={{ .RootUUID }} rw
`))

// efiArchSuffix maps a target architecture to its removable-media EFI
// stub file name suffix, BOOT<SUFFIX>.EFI.
var efiArchSuffix = map[string]string{
	"x86_64":  "X64",
	"aarch64": "AA64",
	"i686":    "IA32",
	"i386":    "IA32",
	"armv7h":  "ARM",
	"riscv64": "RISCV64",
}

// efiStubSourceSuffix maps a target architecture to the suffix
// systemd-boot's own built stub carries, systemd-boot<suffix>.efi.
var efiStubSourceSuffix = map[string]string{
	"x86_64":  "x64",
	"aarch64": "aa64",
	"i686":    "ia32",
	"i386":    "ia32",
	"armv7h":  "arm",
	"riscv64": "riscv64",
}

// ConfigureBootloader writes the configuration for every bootloader tag in
// BuildContext.Bootloaders. Unknown tags are a configuration error, not a
// silent skip, since a board preset that names a bootloader aimager
// doesn't implement would otherwise produce an unbootable image.
// rootFSUUID is the filesystem UUID of the root partition, used for the
// kernel command line's root= argument.
func (s *Stage) ConfigureBootloader(rootFSUUID string) error {
	for _, tag := range s.BuildContext.Bootloaders {
		switch tag {
		case "systemd-boot":
			if err := s.configureSystemdBoot(rootFSUUID); err != nil {
				return err
			}
		case "syslinux":
			if err := s.configureSyslinux(rootFSUUID); err != nil {
				return err
			}
		case "u-boot-extlinux":
			if err := s.writeFile("boot/extlinux/extlinux.conf", fmt.Sprintf(
				"LABEL aimager\n  KERNEL /vmlinuz-linux\n  INITRD /initramfs-linux.img\n  APPEND root=UUID=%s rw\n", rootFSUUID)); err != nil {
				return err
			}
		default:
			return xerrors.Errorf("unknown bootloader tag %q", tag)
		}
	}
	return nil
}

func (s *Stage) configureSystemdBoot(rootFSUUID string) error {
	arch := normalizeArch(s.BuildContext.TargetArch)
	destSuffix, ok := efiArchSuffix[arch]
	if !ok {
		return xerrors.Errorf("systemd-boot: no EFI stub mapping for architecture %q", arch)
	}
	srcSuffix := efiStubSourceSuffix[arch]
	stubSrc := s.path("usr", "lib", "systemd", "boot", "efi", "systemd-boot"+srcSuffix+".efi")
	stubData, err := os.ReadFile(stubSrc)
	if err != nil {
		return xerrors.Errorf("reading systemd-boot EFI stub: %w", err)
	}
	if err := s.writeFile(filepath.Join("boot", "EFI", "BOOT", "BOOT"+destSuffix+".EFI"), string(stubData)); err != nil {
		return err
	}
	if err := s.writeFile("boot/loader/entries.srel", "type1\n"); err != nil {
		return err
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return xerrors.Errorf("generating loader random seed: %w", err)
	}
	if err := s.writeFile("boot/loader/random-seed", string(seed)); err != nil {
		return err
	}

	kernels := s.BuildContext.KernelPackages
	if len(kernels) == 0 {
		kernels = []string{"linux"}
	}
	var microcodes []string
	for mc := range s.BuildContext.Microcode {
		microcodes = append(microcodes, mc)
	}
	sort.Strings(microcodes)

	var firstEntry string
	for _, kernel := range kernels {
		entryName := kernel + ".conf"
		if firstEntry == "" {
			firstEntry = entryName
		}
		initrds := make([]string, 0, len(microcodes)+1)
		for _, mc := range microcodes {
			initrds = append(initrds, "/"+mc+".img")
		}
		initrds = append(initrds, "/initramfs-"+kernel+".img")
		entry := systemdBootEntry{
			Title:    s.BuildContext.Distro.Name,
			Linux:    "/vmlinuz-" + kernel,
			Initrds:  initrds,
			RootUUID: rootFSUUID,
		}
		if err := s.writeFile(filepath.Join("boot", "loader", "entries", entryName), renderMust(systemdBootEntryTmpl, entry)); err != nil {
			return err
		}
	}
	return s.writeFile("boot/loader/loader.conf", renderMust(systemdBootLoaderConfTmpl, struct{ Default string }{Default: firstEntry}))
}

// configureSyslinux performs the dos-label boot sequence §4.8 step 5
// requires: dd the syslinux MBR code into the disk's head image, build a
// FAT image pre-populated with the syslinux .c32 modules, chroot-run the
// installer against it, and write the accompanying extlinux config.
func (s *Stage) configureSyslinux(rootFSUUID string) error {
	mbrData, err := os.ReadFile(s.path("usr", "lib", "syslinux", "bios", "mbr.bin"))
	if err != nil {
		return xerrors.Errorf("reading syslinux mbr.bin: %w", err)
	}
	headImg := s.path("boot", "head.img")
	if err := mkdirAllForFile(headImg); err != nil {
		return err
	}
	f, err := os.OpenFile(headImg, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	n := len(mbrData)
	if n > 440 {
		n = 440
	}
	if _, err := f.WriteAt(mbrData[:n], 0); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	bootFAT := s.path("boot", "syslinux.img")
	mkfsCmd := exec.Command("mkfs.fat", "-F16", "-C", bootFAT, "16384")
	if out, err := mkfsCmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("%v: %w: %s", mkfsCmd.Args, err, out)
	}

	modDir := s.path("usr", "lib", "syslinux")
	entries, err := os.ReadDir(modDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".c32") {
			continue
		}
		cmd := exec.Command("mcopy", "-i", bootFAT, filepath.Join(modDir, e.Name()), "::"+e.Name())
		if out, err := cmd.CombinedOutput(); err != nil {
			return xerrors.Errorf("%v: %w: %s", cmd.Args, err, out)
		}
	}

	installCmd := exec.Command("chroot", s.RootDir, "syslinux", "--install", "/boot/syslinux.img")
	if out, err := installCmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("%v: %w: %s", installCmd.Args, err, out)
	}

	return s.writeFile("boot/extlinux.conf", fmt.Sprintf(
		"DEFAULT aimager\nLABEL aimager\n  LINUX /vmlinuz-linux\n  INITRD /initramfs-linux.img\n  APPEND root=UUID=%s rw\n", rootFSUUID))
}

func normalizeArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7h"
	default:
		return goarch
	}
}

// SetHostname writes /etc/hostname using ResolveHostname's precedence.
func (s *Stage) SetHostname() error {
	name := aimager.ResolveHostname(s.BuildContext.Hostname, s.BuildContext.Board, s.BuildContext.Distro.Safe)
	return s.writeFile("etc/hostname", name+"\n")
}

// SetLocale appends every requested locale to /etc/locale.gen and writes a
// default /etc/locale.conf picking the first one.
func (s *Stage) SetLocale() error {
	if len(s.BuildContext.Locales) == 0 {
		return nil
	}
	var gen strings.Builder
	existing, err := os.ReadFile(s.path("etc", "locale.gen"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	gen.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		gen.WriteByte('\n')
	}
	for _, l := range s.BuildContext.Locales {
		fmt.Fprintf(&gen, "%s\n", l)
	}
	if err := s.writeFile("etc/locale.gen", gen.String()); err != nil {
		return err
	}
	first := strings.Fields(s.BuildContext.Locales[0])[0]
	return s.writeFile("etc/locale.conf", "LANG="+first+"\n")
}

func (s *Stage) writeFile(rel, content string) error {
	target := s.path(filepath.FromSlash(rel))
	if err := mkdirAllForFile(target); err != nil {
		return err
	}
	return writeFileString(target, content)
}

func renderMust(t *template.Template, data interface{}) string {
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		panic(err) // template bodies are compile-time constants; a failure here is a bug
	}
	return buf.String()
}
