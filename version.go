package aimager

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is aimager's own release version, set at link time via
// -ldflags "-X github.com/aimager/aimager.Version=...". It is reported by
// `aimager version`.
var Version = "dev"

// PackageVersion is a parsed pacman package version: an optional epoch, the
// upstream version string, and the package's own release/pkgrel counter.
// Pacman version strings have the form [epoch:]version-pkgrel, e.g.
// "2:8.2.1-3".
type PackageVersion struct {
	Epoch   int
	Upstream string
	Pkgrel   string
}

// ParsePackageVersion parses a pacman version string as found in a repo
// .db's %VERSION% field.
func ParsePackageVersion(s string) (PackageVersion, error) {
	var pv PackageVersion
	rest := s
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		epoch, err := strconv.Atoi(rest[:idx])
		if err != nil {
			return pv, fmt.Errorf("parsing epoch of version %q: %w", s, err)
		}
		pv.Epoch = epoch
		rest = rest[idx+1:]
	}
	idx := strings.LastIndexByte(rest, '-')
	if idx < 0 {
		return pv, fmt.Errorf("version %q has no pkgrel separator", s)
	}
	pv.Upstream = rest[:idx]
	pv.Pkgrel = rest[idx+1:]
	return pv, nil
}

func (v PackageVersion) String() string {
	if v.Epoch > 0 {
		return fmt.Sprintf("%d:%s-%s", v.Epoch, v.Upstream, v.Pkgrel)
	}
	return fmt.Sprintf("%s-%s", v.Upstream, v.Pkgrel)
}

// Less implements pacman's vercmp ordering: compare epoch numerically, then
// the upstream version by alternating numeric/alphabetic runs, then pkgrel
// the same way.
func (v PackageVersion) Less(other PackageVersion) bool {
	if v.Epoch != other.Epoch {
		return v.Epoch < other.Epoch
	}
	if c := compareVersionSegments(v.Upstream, other.Upstream); c != 0 {
		return c < 0
	}
	return compareVersionSegments(v.Pkgrel, other.Pkgrel) < 0
}

// compareVersionSegments implements the relevant part of pacman's vercmp:
// split each string into alternating runs of digits and non-digits, compare
// digit runs numerically and non-digit runs byte-wise. When one string runs
// out first and the other still has characters left, the longer one
// compares greater.
func compareVersionSegments(a, b string) int {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		aDigit := isDigit(a[ai])
		bDigit := isDigit(b[bi])
		if aDigit != bDigit {
			// A digit run outranks a non-digit run at the same position.
			if aDigit {
				return 1
			}
			return -1
		}
		var aEnd, bEnd int
		if aDigit {
			aEnd = scanWhile(a, ai, isDigit)
			bEnd = scanWhile(b, bi, isDigit)
			an := strings.TrimLeft(a[ai:aEnd], "0")
			bn := strings.TrimLeft(b[bi:bEnd], "0")
			if len(an) != len(bn) {
				if len(an) < len(bn) {
					return -1
				}
				return 1
			}
			if c := strings.Compare(an, bn); c != 0 {
				return c
			}
		} else {
			aEnd = scanWhile(a, ai, func(c byte) bool { return !isDigit(c) })
			bEnd = scanWhile(b, bi, func(c byte) bool { return !isDigit(c) })
			if c := strings.Compare(a[ai:aEnd], b[bi:bEnd]); c != 0 {
				return c
			}
		}
		ai, bi = aEnd, bEnd
	}
	switch {
	case ai < len(a):
		return 1
	case bi < len(b):
		return -1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func scanWhile(s string, start int, pred func(byte) bool) int {
	i := start
	for i < len(s) && pred(s[i]) {
		i++
	}
	return i
}
