package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/aimager/aimager"
	"github.com/aimager/aimager/internal/cache"
)

const tableHelp = `aimager table help

List the known partition-table presets.
`

// table handles "aimager table help" and "aimager table help=<tag>". There
// are no other table subcommands: the partition table itself is always
// derived from the board preset, never chosen standalone.
func table(args []string) error {
	fs := flag.NewFlagSet("table", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Println("boot+root (default, used by every board preset)")
	return nil
}

const boardHelp = `aimager board help[=<tag>]

List the known board presets, one tag per line. A single preset is not
described on its own: help=<tag> prints the same full list.
`

func board(args []string) error {
	fs := flag.NewFlagSet("board", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	tags := make([]string, 0, len(aimager.BoardPresets))
	for tag := range aimager.BoardPresets {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		fmt.Println(tag)
	}
	return nil
}

const distroHelp = `aimager distro help[=<tag>]

List the known distro presets, one tag per line. A single preset is not
described on its own: help=<tag> prints the same full list.
`

func distro(args []string) error {
	fs := flag.NewFlagSet("distro", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	tags := make([]string, 0, len(aimager.DistroPresets))
	for tag := range aimager.DistroPresets {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		fmt.Println(tag)
	}
	return nil
}

const cleanBuildsHelp = `aimager clean-builds [-flags]

Remove stale build scratch directories left behind by killed or crashed
builds.
`

func cleanBuilds(args []string) error {
	fs := flag.NewFlagSet("clean-builds", flag.ExitOnError)
	cacheDir := fs.String("cache", defaultCacheDir(), "cache directory")
	maxAge := fs.Duration("max-age", 24*time.Hour, "remove scratch dirs older than this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := cache.New(*cacheDir)
	ctx, canc := context.WithTimeout(context.Background(), time.Minute)
	defer canc()
	removed, err := store.CleanStaleBuilds(ctx, *maxAge)
	if err != nil {
		return err
	}
	for _, dir := range removed {
		fmt.Println(dir)
	}
	fmt.Fprintf(os.Stderr, "removed %d stale scratch directories\n", len(removed))
	return nil
}

const binfmtCheckHelp = `aimager binfmt-check -target-arch=<arch>

Check, without performing a full build, that the qemu-user static binary
for the given target architecture is on PATH and runs (it is invoked with
-version). Whether binfmt_misc routes target binaries through it is not
checked.
`

var qemuArchSuffix = map[string]string{
	"x86_64":  "x86_64",
	"i686":    "i386",
	"aarch64": "aarch64",
	"armv7h":  "arm",
	"loong64": "loongarch64",
	"riscv64": "riscv64",
}

func binfmtCheck(args []string) error {
	fs := flag.NewFlagSet("binfmt-check", flag.ExitOnError)
	targetArch := fs.String("target-arch", "", "target architecture to check emulation for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *targetArch == "" {
		return xerrors.New("-target-arch is required")
	}
	if !aimager.ValidArch(*targetArch) {
		return xerrors.Errorf("unsupported target architecture %q", *targetArch)
	}
	if *targetArch == normalizeArch(runtime.GOARCH) {
		fmt.Println("native execution, no emulation required")
		return nil
	}

	suffix, ok := qemuArchSuffix[*targetArch]
	if !ok {
		return xerrors.Errorf("no known qemu-user binary suffix for %q", *targetArch)
	}
	qemuBin := "qemu-" + suffix + "-static"
	if _, err := exec.LookPath(qemuBin); err != nil {
		return xerrors.Errorf("%s not found on PATH: %w", qemuBin, err)
	}

	cmd := exec.Command(qemuBin, "-version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("%v: %w: %s", cmd.Args, err, out)
	}
	fmt.Printf("%s is runnable\n", qemuBin)
	return nil
}
