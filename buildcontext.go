package aimager

import "strings"

// Distro identifies one target distribution (Arch Linux or one of its
// architecture ports).
type Distro struct {
	// Tag is the short identifier used on the command line, e.g. "archlinux"
	// or "archlinuxarm".
	Tag string
	// Name is the human-readable, stylised distribution name, e.g.
	// "Arch Linux ARM".
	Name string
	// Safe is a lowercase, filesystem- and hostname-safe short name, used as
	// a fallback hostname component and in output file names.
	Safe string
}

// BuildContext is the immutable-after-configuration record describing one
// build. It is assembled by applying board and distro presets (plain
// functions from BuildContext to BuildContext) to a zero value, then
// overridden by explicit flags, before any I/O is performed.
type BuildContext struct {
	HostArch   string
	TargetArch string

	Distro Distro
	Board  string

	BuildID string

	ExtraRepos   []string          // additional repo tags, in declared order
	RepoURLs     map[string]string // repo tag -> mirror URL template
	RepoKeyrings map[string][]string

	InitrdMaker    string // "booster", "mkinitcpio", "dracut", or ""
	Bootloaders    []string
	KernelPackages []string
	Microcode      map[string]bool
	UserPackages   map[string]bool

	Locales  []string
	Hostname string

	ReuseRootArchive   string
	KeyringHelper      string
	TmpfsRootOpts      string // empty means "not using tmpfs for the root"
	TmpfsRoot          bool

	OutPrefix string
}

// Cross reports whether this build requires emulation to run target-arch
// binaries on the host.
func (c BuildContext) Cross() bool {
	return Cross(c.HostArch, c.TargetArch)
}

// DefaultBuildID derives a stable build id from the distro and target arch
// when the caller does not supply one explicitly.
func (c BuildContext) DefaultBuildID() string {
	if c.BuildID != "" {
		return c.BuildID
	}
	return c.Distro.Safe + "-" + c.TargetArch
}

// Preset is a named transformation from a BuildContext to a BuildContext.
// Board and distro presets are plain functions, closed over a static tag
// table, rather than dispatched by function-name-prefix convention.
type Preset func(BuildContext) (BuildContext, error)

// DistroPresets maps a distro tag to the preset that configures repos,
// keyring packages and the stylised name for that distro.
var DistroPresets = map[string]Preset{
	"archlinux": func(c BuildContext) (BuildContext, error) {
		c.Distro = Distro{Tag: "archlinux", Name: "Arch Linux", Safe: "archlinux"}
		c.RepoURLs = mergeRepoURLs(c.RepoURLs, map[string]string{
			"core":    "https://geo.mirror.pkgbuild.com/$repo/os/$arch",
			"extra":   "https://geo.mirror.pkgbuild.com/$repo/os/$arch",
			"multilib": "https://geo.mirror.pkgbuild.com/$repo/os/$arch",
		})
		c.RepoKeyrings = mergeKeyrings(c.RepoKeyrings, map[string][]string{
			"core": {"archlinux-keyring"},
		})
		return c, nil
	},
	"archlinuxarm": func(c BuildContext) (BuildContext, error) {
		c.Distro = Distro{Tag: "archlinuxarm", Name: "Arch Linux ARM", Safe: "archlinuxarm"}
		c.RepoURLs = mergeRepoURLs(c.RepoURLs, map[string]string{
			"core":  "http://mirror.archlinuxarm.org/$arch/$repo",
			"extra": "http://mirror.archlinuxarm.org/$arch/$repo",
		})
		c.RepoKeyrings = mergeKeyrings(c.RepoKeyrings, map[string][]string{
			"core": {"archlinuxarm-keyring"},
		})
		return c, nil
	},
	"archriscv": func(c BuildContext) (BuildContext, error) {
		c.Distro = Distro{Tag: "archriscv", Name: "Arch Linux RISC-V", Safe: "archriscv"}
		c.RepoURLs = mergeRepoURLs(c.RepoURLs, map[string]string{
			"core":  "https://repo.archriscv.felixc.at/$repo/$arch",
			"extra": "https://repo.archriscv.felixc.at/$repo/$arch",
		})
		c.RepoKeyrings = mergeKeyrings(c.RepoKeyrings, map[string][]string{
			"core": {"archlinux-keyring"},
		})
		return c, nil
	},
}

// BoardPresets maps a board tag to the preset configuring its default
// architecture and kernel/bootloader/microcode selection. Board presets
// apply after the distro preset and may override any of its fields.
var BoardPresets = map[string]Preset{
	"x86_64_uefi": func(c BuildContext) (BuildContext, error) {
		c.TargetArch = "x86_64"
		c.Bootloaders = []string{"systemd-boot"}
		c.KernelPackages = []string{"linux"}
		c.Microcode = mergeSet(c.Microcode, "intel-ucode", "amd-ucode")
		return c, nil
	},
	"aarch64_uefi": func(c BuildContext) (BuildContext, error) {
		c.TargetArch = "aarch64"
		c.Bootloaders = []string{"systemd-boot"}
		c.KernelPackages = []string{"linux-aarch64"}
		return c, nil
	},
	"rpi4": func(c BuildContext) (BuildContext, error) {
		c.TargetArch = "aarch64"
		c.Bootloaders = []string{"u-boot-extlinux"}
		c.KernelPackages = []string{"linux-rpi"}
		return c, nil
	},
}

func mergeRepoURLs(dst, add map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(add))
	}
	for k, v := range add {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func mergeKeyrings(dst, add map[string][]string) map[string][]string {
	if dst == nil {
		dst = make(map[string][]string, len(add))
	}
	for k, v := range add {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func mergeSet(dst map[string]bool, items ...string) map[string]bool {
	if dst == nil {
		dst = make(map[string]bool, len(items))
	}
	for _, i := range items {
		dst[i] = true
	}
	return dst
}

// ApplyPresets runs the distro preset (if any) followed by the board preset
// (if any) over c, returning the resulting frozen context. Unknown tags are
// reported via the unknownDistro/unknownBoard return values so the caller
// can produce a configuration error without guessing.
func ApplyPresets(c BuildContext, distroTag, boardTag string) (out BuildContext, unknownDistro, unknownBoard bool, err error) {
	out = c
	if distroTag != "" {
		preset, ok := DistroPresets[distroTag]
		if !ok {
			return out, true, false, nil
		}
		out, err = preset(out)
		if err != nil {
			return out, false, false, err
		}
	}
	if boardTag != "" {
		preset, ok := BoardPresets[boardTag]
		if !ok {
			return out, false, true, nil
		}
		out, err = preset(out)
		if err != nil {
			return out, false, false, err
		}
	}
	return out, false, false, nil
}

// SafeHostname sanitizes s the way §4.8 step 6 requires: strip every
// character outside [A-Za-z0-9-] and lowercase the result.
func SafeHostname(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		}
	}
	return b.String()
}

// ResolveHostname picks the first non-empty, sanitized candidate from
// hostname, board, the distro's safe name, and finally the literal
// "aimager".
func ResolveHostname(hostname, board, distroSafe string) string {
	for _, candidate := range []string{hostname, board, distroSafe, "aimager"} {
		if safe := SafeHostname(candidate); safe != "" {
			return safe
		}
	}
	return "aimager"
}
