package pmconfig

import (
	"strings"
	"testing"

	"github.com/aimager/aimager/internal/repoclient"
)

func TestLooseHasNoSigLevelRequired(t *testing.T) {
	out, err := Loose([]repoclient.Repo{{Tag: "core", URLTemplate: "https://mirror/$repo/os/$arch"}}, "x86_64", "/var/cache/aimager/pkg")
	if err != nil {
		t.Fatalf("Loose: %v", err)
	}
	if !strings.Contains(out, "SigLevel    = Never") {
		t.Errorf("loose config should disable signature checking, got:\n%s", out)
	}
	if !strings.Contains(out, "[core]") {
		t.Errorf("expected [core] section, got:\n%s", out)
	}
	if !strings.Contains(out, "CacheDir     = /var/cache/aimager/pkg") {
		t.Errorf("expected CacheDir line, got:\n%s", out)
	}
}

func TestStrictRequiresSignatures(t *testing.T) {
	out, err := Strict([]repoclient.Repo{{Tag: "core", URLTemplate: "https://mirror/$repo/os/$arch"}}, "aarch64")
	if err != nil {
		t.Fatalf("Strict: %v", err)
	}
	if !strings.Contains(out, "SigLevel    = Required DatabaseOptional") {
		t.Errorf("strict config should require signatures, got:\n%s", out)
	}
	if !strings.Contains(out, "Architecture = aarch64") {
		t.Errorf("expected Architecture line, got:\n%s", out)
	}
}

func TestIgnorePkgLine(t *testing.T) {
	out, err := Render(Options{
		Architecture: "x86_64",
		IgnorePkgs:   []string{"linux", "linux-firmware"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "IgnorePkg    = linux linux-firmware") {
		t.Errorf("expected IgnorePkg line, got:\n%s", out)
	}
}

func TestChrootOptionsBindsPathsUnderRoot(t *testing.T) {
	out, err := ChrootOptions(true, []repoclient.Repo{{Tag: "core", URLTemplate: "https://mirror/$repo/os/$arch"}}, "x86_64", "/build/root", "/var/cache/aimager/pkg")
	if err != nil {
		t.Fatalf("ChrootOptions: %v", err)
	}
	for _, want := range []string{
		"RootDir      = /build/root",
		"DBPath       = /build/root/var/lib/pacman",
		"GPGDir       = /build/root/etc/pacman.d/gnupg",
		"HookDir      = /build/root/etc/pacman.d/hooks",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q, got:\n%s", want, out)
		}
	}
}

func TestBaseReposParsesSectionsSkippingOptions(t *testing.T) {
	conf := "[options]\nArchitecture = auto\n\n[core]\nServer = https://mirror/$repo/os/$arch\n\n[extra]\nServer = https://mirror/$repo/os/$arch\n"
	got, err := BaseRepos(conf)
	if err != nil {
		t.Fatalf("BaseRepos: %v", err)
	}
	want := []string{"core", "extra"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("BaseRepos() = %v, want %v", got, want)
	}
}

func TestBaseReposRejectsEmptyConf(t *testing.T) {
	if _, err := BaseRepos("[options]\nArchitecture = auto\n"); err == nil {
		t.Fatal("expected error for a pacman.conf with no repo sections")
	}
}

func TestValidateBaseReposRequiresCore(t *testing.T) {
	if err := ValidateBaseRepos([]string{"extra"}, "core"); err == nil {
		t.Fatal("expected error when core repo is missing")
	}
	if err := ValidateBaseRepos([]string{"core", "extra"}, "core"); err != nil {
		t.Errorf("ValidateBaseRepos: %v", err)
	}
}

func TestValidateBaseReposRejectsOptionsToken(t *testing.T) {
	if err := ValidateBaseRepos([]string{"core", "options"}, "core"); err == nil {
		t.Fatal("expected error when base repo list contains the reserved options token")
	}
}
