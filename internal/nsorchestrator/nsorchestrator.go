// Package nsorchestrator spawns the child process that builds a root
// filesystem inside a fresh user+mount namespace, handing it its uid/gid
// mappings either the "sync" way (the kernel's native UidMappings/
// GidMappings on SysProcAttr) or the "async" way (an external `unshare`
// reexec that either maps ids itself via --map-users/--map-groups, or is
// mapped from the outside via newuidmap/newgidmap once running), for
// kernels or policies that reject the direct syscall form. It reads back
// the child's result protocol over a pipe handed down as an extra file
// descriptor.
package nsorchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"github.com/aimager/aimager/internal/identity"
)

// Mode selects how the child's uid/gid mappings are established.
type Mode int

const (
	// ModeSync uses SysProcAttr.{Uid,Gid}Mappings directly; the kernel
	// establishes the mapping as part of clone(2), no external helper
	// process runs.
	ModeSync Mode = iota
	// ModeAsync re-execs through `unshare --user --mount`. When
	// DetectMappingGrammar recognizes the helper's --map-users/--map-groups
	// syntax, unshare maps the ids itself; otherwise the parent maps them
	// with newuidmap/newgidmap once the child is running. Needed when the
	// direct syscall form is rejected (some
	// hardened kernels restrict CLONE_NEWUSER to setuid helpers only).
	ModeAsync
)

// Spawn starts argv[0] (typically os.Args[0] re-exec'd with a job flag)
// inside a new user+mount namespace, mapping the current user to uid/gid 0
// inside the namespace across its entire subordinate id range. resultR is
// the read end of a pipe the child can write its serialized result to via
// the extra file descriptor at index 3 (fd 3, the first ExtraFiles entry).
func Spawn(ctx context.Context, mode Mode, argv []string, env []string) (cmd *exec.Cmd, resultR *os.File, err error) {
	u, err := identity.CurrentUser()
	if err != nil {
		return nil, nil, xerrors.Errorf("looking up current user: %w", err)
	}
	subuid, err := identity.ResolveSubuid(u)
	if err != nil {
		return nil, nil, xerrors.Errorf("resolving subuid range: %w", err)
	}
	subgid, err := identity.ResolveSubgid(u)
	if err != nil {
		return nil, nil, xerrors.Errorf("resolving subgid range: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}

	var postMap func(pid int) error
	switch mode {
	case ModeSync:
		cmd, err = spawnSync(ctx, argv, env, u, subuid, subgid, w)
	case ModeAsync:
		cmd, postMap, err = spawnAsync(ctx, argv, env, u, subuid, subgid, w)
	default:
		err = fmt.Errorf("unknown namespace spawn mode %d", mode)
	}
	if err != nil {
		w.Close()
		r.Close()
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, nil, xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	// Close the write end in the parent; only the child (and its own copy
	// of the fd) should hold it open past this point.
	if err := w.Close(); err != nil {
		r.Close()
		return nil, nil, err
	}
	if postMap != nil {
		if err := postMap(cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			r.Close()
			return nil, nil, xerrors.Errorf("mapping namespace child ids: %w", err)
		}
	}
	killOnCancel(ctx, cmd)
	return cmd, r, nil
}

// killOnCancel watches ctx and sends SIGKILL to cmd's process the moment it
// is canceled (SIGINT/SIGTERM delivered to the parent, per
// aimager.InterruptibleContext), so an interrupted build doesn't leave an
// orphaned child holding the namespace and its bind mounts open. This
// replaces the teacher's process-global interrupt-callback registry with
// one goroutine scoped to the single child this call started.
func killOnCancel(ctx context.Context, cmd *exec.Cmd) {
	go func() {
		<-ctx.Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()
}

func spawnSync(ctx context.Context, argv, env []string, u *user.User, subuid, subgid identity.Range, w *os.File) (*exec.Cmd, error) {
	hostUID, err := parseID(u.Uid)
	if err != nil {
		return nil, err
	}
	hostGID, err := parseID(u.Gid)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: hostUID, Size: 1},
			{ContainerID: 1, HostID: int(subuid.Start), Size: int(subuid.Count)},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: hostGID, Size: 1},
			{ContainerID: 1, HostID: int(subgid.Start), Size: int(subgid.Count)},
		},
	}
	cmd.ExtraFiles = []*os.File{w}
	cmd.Env = append(append([]string{}, env...), "AIMAGER_NS_CHILD=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// spawnAsync builds the external `unshare` invocation for ModeAsync. When
// DetectMappingGrammar can identify this unshare build's --map-users/
// --map-groups argument syntax, it passes the full two-entry mapping
// (uid/gid 0 to the caller, the subordinate range to ids 1..N) in a single
// invocation. Otherwise it falls back to the documented two-step
// protocol: invoke unshare bare, then return a postMap function the
// caller runs against the child's pid once started, which maps both
// ranges via newuidmap/newgidmap while the child waits on its mapping
// fifo.
func spawnAsync(ctx context.Context, argv, env []string, u *user.User, subuid, subgid identity.Range, w *os.File) (cmd *exec.Cmd, postMap func(pid int) error, err error) {
	hostUID, err := parseID(u.Uid)
	if err != nil {
		return nil, nil, err
	}
	hostGID, err := parseID(u.Gid)
	if err != nil {
		return nil, nil, err
	}

	var args []string
	if grammar, gerr := DetectMappingGrammar(); gerr == nil {
		args = []string{
			"--user",
			"--map-users=" + formatMapArg(grammar, hostUID, subuid),
			"--map-groups=" + formatMapArg(grammar, hostGID, subgid),
			"--mount",
			"--",
		}
	} else {
		args = []string{"--user", "--mount", "--"}
		postMap = func(pid int) error {
			time.Sleep(200 * time.Millisecond)
			if err := runIDMap("newuidmap", pid, hostUID, subuid); err != nil {
				return err
			}
			return runIDMap("newgidmap", pid, hostGID, subgid)
		}
	}
	args = append(args, argv...)

	cmd = exec.CommandContext(ctx, "unshare", args...)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Env = append(append([]string{}, env...), "AIMAGER_NS_CHILD=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, postMap, nil
}

// formatMapArg renders the two-entry id mapping (0 -> hostID, 1..N ->
// sub.Start..+sub.Count) in whichever of unshare's two known grammars
// DetectMappingGrammar identified, as a comma-separated list of ranges.
func formatMapArg(grammar string, hostID int, sub identity.Range) string {
	if grammar == "inner:outer:count" {
		return fmt.Sprintf("0:%d:1,1:%d:%d", hostID, sub.Start, sub.Count)
	}
	return fmt.Sprintf("%d,0,1,%d,1,%d", hostID, sub.Start, sub.Count)
}

// runIDMap invokes newuidmap/newgidmap against an already-running child
// pid, establishing the same two-entry mapping the sync path passes to
// clone(2) directly.
func runIDMap(tool string, pid int, hostID int, sub identity.Range) error {
	cmd := exec.Command(tool,
		fmt.Sprintf("%d", pid),
		"0", fmt.Sprintf("%d", hostID), "1",
		"1", fmt.Sprintf("%d", sub.Start), fmt.Sprintf("%d", sub.Count),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%v: %w: %s", cmd.Args, err, out)
	}
	return nil
}

func parseID(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return n, nil
}

// ReadResult drains r (the pipe returned by Spawn) and waits for cmd to
// exit, returning the child's raw result bytes. When the child fails, the
// wrapped error asks whether kernel.unprivileged_userns_clone is enabled,
// matching the teacher's hint message. The child's stderr is not captured
// here; it goes straight to the parent's stderr.
func ReadResult(cmd *exec.Cmd, r *os.File) ([]byte, error) {
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, xerrors.Errorf("%v (is kernel.unprivileged_userns_clone enabled?): %w", cmd.Args, err)
	}
	return data, nil
}

// ProbeMode runs `unshare --help` once and returns ModeAsync when its
// usage text mentions --map-users or --map-groups, and ModeSync otherwise,
// including when unshare cannot be run at all. The --map-users grammar is
// chosen later, by DetectMappingGrammar in spawnAsync. The probe is a
// single no-op "unshare --help" invocation; no container is created.
func ProbeMode() (Mode, error) {
	out, err := exec.Command("unshare", "--help").CombinedOutput()
	if err != nil {
		// unshare not installed at all: the sync path is the only option.
		return ModeSync, nil
	}
	text := string(out)
	if strings.Contains(text, "--map-users") || strings.Contains(text, "--map-groups") {
		return ModeAsync, nil
	}
	return ModeSync, nil
}

// DetectMappingGrammar distinguishes the two argument grammars seen across
// util-linux releases for unshare's --map-users flag: the newer
// "inner:outer:count" triplet form, and the older plain "outer,inner,count"
// comma form. It does so by issuing one dry invocation with a clearly
// invalid argument and pattern-matching the resulting usage error, so no
// namespace is ever actually created during detection.
func DetectMappingGrammar() (string, error) {
	cmd := exec.Command("unshare", "--map-users=badvalue", "true")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run() // expected to fail; we only care about the message
	msg := stderr.String()
	switch {
	case strings.Contains(msg, "inner:outer:count") || strings.Contains(msg, "inneruid"):
		return "inner:outer:count", nil
	case strings.Contains(msg, "outer,inner,count") || strings.Contains(msg, "uid,loweruid,count"):
		return "outer,inner,count", nil
	default:
		return "", xerrors.New("could not determine unshare --map-users grammar from usage text")
	}
}
