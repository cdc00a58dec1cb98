package aimager

// Architectures contains one entry for each architecture aimager knows how
// to build images for.
var Architectures = map[string]bool{
	"x86_64":  true,
	"i686":    true,
	"aarch64": true,
	"armv7h":  true,
	"loong64": true,
	"riscv64": true,
}

// ValidArch reports whether arch is one of the known architecture tags.
func ValidArch(arch string) bool {
	return Architectures[arch]
}

// Cross reports whether building for target on a machine whose native
// architecture is host requires emulation.
func Cross(host, target string) bool {
	return host != target
}
