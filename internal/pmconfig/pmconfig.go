// Package pmconfig renders pacman.conf files for the two modes the setup
// stage needs: a "loose" config used while building the package cache and
// resolving dependencies, and a "strict" config (SigLevel = Required
// DatabaseOptional, no [multilib] unless requested) baked into the image
// root's own /etc/pacman.conf.
package pmconfig

import (
	"bufio"
	"strings"
	"text/template"

	"golang.org/x/xerrors"

	"github.com/aimager/aimager/internal/repoclient"
)

// Options configures one rendering of pacman.conf.
type Options struct {
	Strict       bool
	Repos        []repoclient.Repo
	Architecture string
	RootDir      string
	DBPath       string
	CacheDir     string
	LogFile      string
	GPGDir       string
	HookDir      string
	IgnorePkgs   []string
}

var confTmpl = template.Must(template.New("").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`
#
# aimager-generated pacman.conf — do not edit, regenerated every build.
#
[options]
Architecture = {{ .Architecture }}
{{- if .RootDir }}
RootDir      = {{ .RootDir }}
{{- end }}
{{- if .DBPath }}
DBPath       = {{ .DBPath }}
{{- end }}
{{- if .GPGDir }}
GPGDir       = {{ .GPGDir }}
{{- end }}
{{- if .CacheDir }}
CacheDir     = {{ .CacheDir }}
{{- end }}
{{- if .LogFile }}
LogFile      = {{ .LogFile }}
{{- end }}
{{- if .HookDir }}
HookDir      = {{ .HookDir }}
{{- end }}
{{- if .IgnorePkgs }}
IgnorePkg    = {{ join .IgnorePkgs " " }}
{{- end }}
{{- if .Strict }}
SigLevel    = Required DatabaseOptional
{{- else }}
SigLevel    = Never
{{- end }}
LocalFileSigLevel = Optional

{{ range .Repos }}
[{{ .Tag }}]
Server = {{ .URLTemplate }}
{{ end }}`))

// Render produces the pacman.conf text for opts.
func Render(opts Options) (string, error) {
	if opts.Architecture == "" {
		opts.Architecture = "auto"
	}
	var buf strings.Builder
	if err := confTmpl.Execute(&buf, opts); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Loose returns the configuration used by the host-side build process: no
// signature verification (the host isn't running pacman-key, the keyring
// manager handles trust separately), pointed at the shared cache directory.
func Loose(repos []repoclient.Repo, arch, cacheDir string) (string, error) {
	return Render(Options{
		Strict:       false,
		Repos:        repos,
		Architecture: arch,
		CacheDir:     cacheDir,
	})
}

// Strict returns the configuration written into the finished image's own
// /etc/pacman.conf, requiring valid signatures for every package; database
// signatures are optional (SigLevel = Required DatabaseOptional).
func Strict(repos []repoclient.Repo, arch string) (string, error) {
	return Render(Options{
		Strict:       true,
		Repos:        repos,
		Architecture: arch,
		GPGDir:       "/etc/pacman.d/gnupg",
	})
}

// ChrootOptions renders the config a chroot-confined pacman invocation
// reads, binding RootDir/DBPath/CacheDir/LogFile/GPGDir/HookDir to paths
// under root, per §4.3 step 4.
func ChrootOptions(strict bool, repos []repoclient.Repo, arch, root, cacheDir string) (string, error) {
	return Render(Options{
		Strict:       strict,
		Repos:        repos,
		Architecture: arch,
		RootDir:      root,
		DBPath:       root + "/var/lib/pacman",
		CacheDir:     cacheDir,
		LogFile:      root + "/var/log/pacman.log",
		GPGDir:       root + "/etc/pacman.d/gnupg",
		HookDir:      root + "/etc/pacman.d/hooks",
	})
}

const reservedOptionsSection = "options"

// BaseRepos parses the section headers ("[<name>]" lines) out of a raw
// pacman.conf, discarding "[options]" and preserving file order, per §4.3
// step 2.
func BaseRepos(conf string) ([]string, error) {
	var repos []string
	sc := bufio.NewScanner(strings.NewReader(conf))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
			continue
		}
		name := strings.TrimSpace(line[1 : len(line)-1])
		if name == "" || name == reservedOptionsSection {
			continue
		}
		repos = append(repos, name)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, xerrors.New("no repo sections found in pacman.conf")
	}
	return repos, nil
}

// ValidateBaseRepos checks a caller-supplied base repo list against the
// declared core repo name: it must be present, and must not contain the
// reserved "options" token, per §4.3 step 2.
func ValidateBaseRepos(repos []string, coreRepo string) error {
	found := false
	for _, r := range repos {
		if r == reservedOptionsSection {
			return xerrors.Errorf("base repo list may not contain the reserved token %q", reservedOptionsSection)
		}
		if r == coreRepo {
			found = true
		}
	}
	if !found {
		return xerrors.Errorf("base repo list must contain the core repo %q", coreRepo)
	}
	return nil
}
