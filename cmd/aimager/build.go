package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/aimager/aimager"
	"github.com/aimager/aimager/internal/cache"
	"github.com/aimager/aimager/internal/childroot"
	"github.com/aimager/aimager/internal/emitter"
	"github.com/aimager/aimager/internal/keyring"
	"github.com/aimager/aimager/internal/logging"
	"github.com/aimager/aimager/internal/nsorchestrator"
	"github.com/aimager/aimager/internal/parttable"
	"github.com/aimager/aimager/internal/pmconfig"
	"github.com/aimager/aimager/internal/repoclient"
	"github.com/aimager/aimager/internal/setup"
)

const buildHelp = `aimager build [-flags]

Build a bootable image or root filesystem archive for Arch Linux or one
of its architecture ports.

Example:
  % aimager build -distro=archlinux -board=x86_64_uefi -out=./out
`

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// job is the on-disk serialization of a BuildContext handed from the
// parent process to the namespace child across the re-exec boundary,
// analogous to the teacher's own JSON-serialized build proto path.
type job struct {
	Context   aimager.BuildContext
	DiskImage bool
}

func build(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		jobPath    = fs.String("job", "", "internal: path to a serialized job, set by aimager itself when re-executing into a namespace")
		distro     = fs.String("distro", "archlinux", "distro preset tag (see `aimager distro help`)")
		board      = fs.String("board", "", "board preset tag (see `aimager board help`)")
		targetArch = fs.String("target-arch", "", "target architecture; defaults to the board preset's arch or the host arch")
		out        = fs.String("out", "./out", "output directory for emitted artifacts")
		cacheDir   = fs.String("cache", defaultCacheDir(), "cache directory")
		hostname   = fs.String("hostname", "", "hostname baked into the image")
		buildID    = fs.String("build-id", "", "stable identifier for this build's cache scratch directory")
		reuseRoot  = fs.String("reuse-root", "", "path to a previously emitted root.tar to reuse instead of installing from scratch")
		tmpfsRoot  = fs.Bool("tmpfs-root", false, "build the root filesystem in tmpfs instead of on disk")
		diskOnly   = fs.Bool("disk-image", false, "also assemble a partitioned disk.img (plus per-role part-*.img); root.tar is emitted either way")
	)
	var packages, locales stringList
	fs.Var(&packages, "package", "package to install (repeatable)")
	fs.Var(&locales, "locale", "locale to generate, e.g. en_US.UTF-8 UTF-8 (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *jobPath != "" {
		return runChildJob(*jobPath)
	}

	bc := aimager.BuildContext{
		HostArch:         runtime.GOARCH,
		TargetArch:       *targetArch,
		Hostname:         *hostname,
		BuildID:          *buildID,
		ReuseRootArchive: *reuseRoot,
		TmpfsRoot:        *tmpfsRoot,
		OutPrefix:        *out,
		Locales:          locales,
		UserPackages:     toSet(packages),
	}
	bc, unknownDistro, unknownBoard, err := aimager.ApplyPresets(bc, *distro, *board)
	if err != nil {
		return xerrors.Errorf("applying presets: %w", err)
	}
	if unknownDistro {
		return xerrors.Errorf("unknown distro preset %q (see `aimager distro help`)", *distro)
	}
	if unknownBoard {
		return xerrors.Errorf("unknown board preset %q (see `aimager board help`)", *board)
	}
	if bc.TargetArch == "" {
		bc.TargetArch = bc.HostArch
	}
	if !aimager.ValidArch(normalizeArch(bc.TargetArch)) {
		return xerrors.Errorf("unsupported target architecture %q", bc.TargetArch)
	}

	store := cache.New(*cacheDir)
	buildIDFinal := bc.DefaultBuildID()
	scratch, err := store.BuildScratch(buildIDFinal)
	if err != nil {
		return err
	}
	aimager.RegisterAtExit(func() error {
		return store.RemoveBuildScratch(buildIDFinal)
	})

	jobFile := filepath.Join(scratch, "job.json")
	data, err := json.Marshal(job{Context: bc, DiskImage: *diskOnly})
	if err != nil {
		return err
	}
	if err := os.WriteFile(jobFile, data, 0600); err != nil {
		return err
	}

	ctx, canc := aimager.InterruptibleContext()
	defer canc()

	mode, err := nsorchestrator.ProbeMode()
	if err != nil {
		return xerrors.Errorf("probing namespace spawn mode: %w", err)
	}

	argv := []string{os.Args[0], "build", "-job=" + jobFile}
	cmd, r, err := nsorchestrator.Spawn(ctx, mode, argv, os.Environ())
	if err != nil {
		return xerrors.Errorf("spawning namespace child: %w", err)
	}
	result, err := nsorchestrator.ReadResult(cmd, r)
	if err != nil {
		return xerrors.Errorf("build failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s\n", strings.TrimSpace(string(result)))

	if err := aimager.RunAtExit(); err != nil {
		return xerrors.Errorf("cleanup: %w", err)
	}
	return nil
}

// runChildJob is executed inside the fresh user+mount namespace. It loads
// the serialized BuildContext, drives the setup stage end to end, and
// writes a short summary to fd 3 (the pipe the parent is reading from).
func runChildJob(jobPath string) error {
	data, err := os.ReadFile(jobPath)
	if err != nil {
		return err
	}
	var j job
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	bc := j.Context

	result := os.NewFile(3, "result")
	if result == nil {
		return xerrors.New("missing result pipe at fd 3")
	}
	defer result.Close()

	scratch := filepath.Dir(jobPath)
	rootDir := filepath.Join(scratch, "root")
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return err
	}
	store := cache.New(filepath.Join(scratch, "pkgcache"))

	cr := childroot.New(rootDir)
	var mounted []string
	defer func() {
		if err := cr.Teardown(mounted); err != nil {
			logging.Warnf("tearing down child mounts: %v", err)
		}
	}()

	devMounted, err := cr.SetupDevFiles()
	mounted = append(mounted, devMounted...)
	if err != nil {
		return xerrors.Errorf("setting up /dev: %w", err)
	}
	vfsMounted, err := cr.MountVirtualFS()
	mounted = append(mounted, vfsMounted...)
	if err != nil {
		return xerrors.Errorf("mounting virtual filesystems: %w", err)
	}

	ctx, canc := aimager.InterruptibleContext()
	defer canc()

	if bc.ReuseRootArchive != "" {
		if err := reuseRootArchive(bc.ReuseRootArchive, rootDir); err != nil {
			return xerrors.Errorf("reusing root archive: %w", err)
		}
		if aimager.Cross(bc.HostArch, bc.TargetArch) {
			smoke := exec.Command("chroot", rootDir, "true")
			if out, err := smoke.CombinedOutput(); err != nil {
				return xerrors.Errorf("cross-arch smoke test: %v: %s", err, out)
			}
		}
	} else {
		if err := cr.WriteMinimalIdentity(); err != nil {
			return err
		}
		cacheMounted, err := cr.BindCacheDir(store.Dir)
		mounted = append(mounted, cacheMounted...)
		if err != nil {
			return xerrors.Errorf("binding cache dir: %w", err)
		}
		if aimager.Cross(bc.HostArch, bc.TargetArch) {
			kr := keyring.New(store)
			if helperPath, present := kr.NativeHelperTree(bc.HostArch); present {
				helperMounted, err := cr.BindHelperTree(helperPath, "mnt")
				mounted = append(mounted, helperMounted...)
				if err != nil {
					return xerrors.Errorf("binding keyring helper tree: %w", err)
				}
			}
		}
		if err := populateRoot(ctx, store, bc, rootDir); err != nil {
			return xerrors.Errorf("populating root: %w", err)
		}
	}

	st := setup.New(rootDir, bc)
	if err := st.PinInitrdMaker(); err != nil {
		return err
	}
	if err := st.SetHostname(); err != nil {
		return err
	}
	if err := st.SetLocale(); err != nil {
		return err
	}
	if err := st.RestoreInitrdPresets(); err != nil {
		return err
	}

	table := parttable.WithUUIDs(buildPartitionTable(bc))
	parttable.Layout(&table)

	var rootUUID string
	for _, p := range table.Partitions {
		if p.Role == parttable.RoleRoot {
			rootUUID = p.UUID.String()
		}
	}
	if err := st.ConfigureBootloader(rootUUID); err != nil {
		return err
	}

	var fstabEntries []setup.FstabEntry
	for _, p := range table.Partitions {
		entry, ok := setup.RoleFstabDefaults(p.Role)
		if !ok {
			continue
		}
		device := "UUID=" + p.UUID.String()
		if p.Role == parttable.RoleBoot {
			device = "UUID=" + p.FATVolumeID()
		}
		entry.Device = device
		fstabEntries = append(fstabEntries, entry)
	}
	if err := st.WriteFstab(fstabEntries); err != nil {
		return err
	}

	reg := emitter.New(bc.OutPrefix)
	rootTarName, err := reg.EmitRootTar(rootDir)
	if err != nil {
		return err
	}
	emitted := []string{rootTarName}

	if j.DiskImage {
		partitionImages := make(map[parttable.Role]string, len(table.Partitions))
		for _, p := range table.Partitions {
			if p.Role == parttable.RoleSwap {
				continue // swap carries no filesystem to format
			}
			fsType := "ext4"
			fsUUID := p.UUID.String()
			if p.Role == parttable.RoleBoot {
				fsType = "vfat"
				fsUUID = p.FATVolumeID()
			}
			imgPath, err := reg.EmitPartitionImage(p.Role, fsType, p.SizeMiB*1024*1024, fsUUID)
			if err != nil {
				return xerrors.Errorf("formatting %s partition image: %w", p.Role, err)
			}
			partitionImages[p.Role] = imgPath
		}
		diskName, err := reg.AssembleDisk(table, partitionImages)
		if err != nil {
			return xerrors.Errorf("assembling disk image: %w", err)
		}
		emitted = append(emitted, diskName)
	}

	summary := fmt.Sprintf("build %s complete: emitted %s", bc.DefaultBuildID(), strings.Join(emitted, ", "))
	if _, err := result.WriteString(summary); err != nil {
		return err
	}
	return nil
}

// buildPartitionTable derives a boot+root partition table appropriate to
// the selected bootloaders: a GPT table with an EFI system partition for
// systemd-boot/u-boot-extlinux, or a dos table with an active syslinux
// boot partition.
func buildPartitionTable(bc aimager.BuildContext) parttable.Table {
	label := parttable.LabelGPT
	bootType := parttable.GUIDESP
	rootType := parttable.GUIDLinuxRoot
	bootable := false
	for _, bl := range bc.Bootloaders {
		if bl == "syslinux" {
			label = parttable.LabelDOS
			bootType = "ef"
			rootType = "83"
			bootable = true
		}
	}
	return parttable.Table{
		Label: label,
		Partitions: []parttable.Partition{
			{Role: parttable.RoleBoot, Type: bootType, SizeMiB: 256, Bootable: bootable},
			{Role: parttable.RoleRoot, Type: rootType, SizeMiB: 2048},
		},
	}
}

// populateRoot installs packages into rootDir: it derives the base repo
// list from the target distribution's own pacman.conf (§4.3 steps 1-2),
// bootstraps and caches the signing keyring (§4.7), then installs every
// selected package under the strict, signature-checked chroot
// configuration built from the same repo set as the image's own
// /etc/pacman.conf. With no keyring packages configured there is no
// keyring to check against, and the loose configuration is used.
func populateRoot(ctx context.Context, store *cache.Store, bc aimager.BuildContext, rootDir string) error {
	client := repoclient.New(store)
	arch := normalizeArch(bc.TargetArch)

	configuredRepos := make([]repoclient.Repo, 0, len(bc.RepoURLs))
	for tag, tmpl := range bc.RepoURLs {
		configuredRepos = append(configuredRepos, repoclient.Repo{Tag: tag, URLTemplate: tmpl})
	}
	if len(configuredRepos) == 0 {
		return xerrors.New("no repositories configured; check the selected distro preset")
	}

	looseConf, err := pmconfig.Loose(configuredRepos, arch, store.Dir)
	if err != nil {
		return err
	}
	looseConfPath := filepath.Join(rootDir, "..", "pacman.conf")
	if err := os.WriteFile(looseConfPath, []byte(looseConf), 0644); err != nil {
		return err
	}

	pacmanConfText, err := client.FetchPacmanConf(ctx, configuredRepos, arch)
	if err != nil {
		return xerrors.Errorf("fetching target pacman.conf: %w", err)
	}
	baseRepos, err := pmconfig.BaseRepos(pacmanConfText)
	if err != nil {
		return xerrors.Errorf("deriving base repos: %w", err)
	}
	if err := pmconfig.ValidateBaseRepos(baseRepos, "core"); err != nil {
		return xerrors.Errorf("validating base repos: %w", err)
	}
	repos := deriveBaseRepoSet(bc, baseRepos, configuredRepos)

	strictConf, err := pmconfig.Strict(repos, arch)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "etc"), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rootDir, "etc", "pacman.conf"), []byte(strictConf), 0644); err != nil {
		return err
	}

	var keyringPkgs []string
	for _, pkgs := range bc.RepoKeyrings {
		keyringPkgs = append(keyringPkgs, pkgs...)
	}
	sort.Strings(keyringPkgs)

	installConfPath := looseConfPath
	if len(keyringPkgs) > 0 {
		bootstrapPkgs := append([]string{"base"}, keyringPkgs...)
		bst := setup.New(rootDir, aimager.BuildContext{UserPackages: toSet(bootstrapPkgs)})
		bst.ConfigPath = looseConfPath
		if err := bst.InstallPackages(); err != nil {
			return xerrors.Errorf("installing keyring bootstrap packages: %w", err)
		}

		kr := keyring.New(store)
		if _, err := kr.Resolve(keyringPkgs, rootDir); err != nil {
			return xerrors.Errorf("resolving keyring: %w", err)
		}

		chrootStrictConf, err := pmconfig.ChrootOptions(true, repos, arch, rootDir, store.Dir)
		if err != nil {
			return err
		}
		chrootConfPath := filepath.Join(rootDir, "..", "pacman-strict.conf")
		if err := os.WriteFile(chrootConfPath, []byte(chrootStrictConf), 0644); err != nil {
			return err
		}
		if err := pacmanDownloadOnly(rootDir, chrootConfPath, bootstrapPkgs); err != nil {
			return xerrors.Errorf("re-downloading bootstrap set under strict config: %w", err)
		}
		installConfPath = chrootConfPath
	}

	st := setup.New(rootDir, bc)
	st.ConfigPath = installConfPath
	if err := st.InstallPackages(); err != nil {
		return xerrors.Errorf("installing packages: %w", err)
	}
	return nil
}

// deriveBaseRepoSet builds the repoclient.Repo list for baseRepos (as
// derived from the target's own pacman.conf), reusing a configured
// repo's URL template for any base repo tag aimager doesn't already have
// a mirror template for, since Arch-family mirrors serve every base repo
// through the same "$repo" pattern. Any configured extra repo tag is
// appended after the base set.
func deriveBaseRepoSet(bc aimager.BuildContext, baseRepos []string, configuredRepos []repoclient.Repo) []repoclient.Repo {
	var sharedTemplate string
	for _, r := range configuredRepos {
		sharedTemplate = r.URLTemplate
		break
	}
	repos := make([]repoclient.Repo, 0, len(baseRepos)+len(bc.ExtraRepos))
	for _, tag := range baseRepos {
		tmpl := sharedTemplate
		if t, ok := bc.RepoURLs[tag]; ok {
			tmpl = t
		}
		repos = append(repos, repoclient.Repo{Tag: tag, URLTemplate: tmpl})
	}
	for _, tag := range bc.ExtraRepos {
		if tmpl, ok := bc.RepoURLs[tag]; ok {
			repos = append(repos, repoclient.Repo{Tag: tag, URLTemplate: tmpl})
		}
	}
	return repos
}

// pacmanDownloadOnly re-fetches pkgs under confPath's configuration
// without installing them, used to re-verify the keyring bootstrap set's
// signatures against the now-initialized keyring per §4.7 step 4.
func pacmanDownloadOnly(rootDir, confPath string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := []string{"--root", rootDir, "--config", confPath, "--noconfirm", "--needed", "-Sy", "--downloadonly"}
	args = append(args, pkgs...)
	cmd := exec.Command("pacman", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%v: %w: %s", cmd.Args, err, out)
	}
	return nil
}

func reuseRootArchive(archivePath, rootDir string) error {
	return emitter.ExtractRootTar(archivePath, rootDir)
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
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

func defaultCacheDir() string {
	if dir := os.Getenv("AIMAGER_CACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/tmp/aimager-cache"
	}
	return filepath.Join(home, ".cache", "aimager")
}
