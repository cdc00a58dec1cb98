// Package parttable models the partition table aimager writes to disk
// images: a parser/renderer for the "aimager@<role>:"-prefixed sfdisk-dump
// grammar, plus the disk-size and offset arithmetic the emitter needs
// before any device or loopback file exists.
package parttable

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SectorSize is the logical sector size aimager assumes throughout, as
// sfdisk does by default.
const SectorSize = 512

// Label is the partition table type.
type Label string

const (
	LabelGPT Label = "gpt"
	LabelDOS Label = "dos"
)

// Role is a partition's semantic purpose. Each role may appear at most
// once in a Table.
type Role string

const (
	RoleBoot Role = "boot"
	RoleRoot Role = "root"
	RoleHome Role = "home"
	RoleSwap Role = "swap"
)

func validRole(r Role) bool {
	switch r {
	case RoleBoot, RoleRoot, RoleHome, RoleSwap:
		return true
	}
	return false
}

// Error kinds produced while parsing a declaration.
var (
	ErrDuplicateRole    = errors.New("duplicate partition role")
	ErrUnknownSuffix    = errors.New("unknown size suffix")
	ErrMissingTableRoot = errors.New("missing table root")
)

// Partition is one entry in a Table, declared by an
// "aimager@<role>: size=..., ..." line.
type Partition struct {
	Role      Role
	SizeMiB   int64
	OffsetMiB int64 // 0 until ResolveOffsets assigns the role's chain position
	Type      string // GPT type GUID/alias, or a dos type byte expressed as hex
	Bootable  bool
	UUID      uuid.UUID

	// StartLBA and SizeLBA are filled in by Layout once a table's offsets
	// are resolved; zero until then.
	StartLBA int64
	SizeLBA  int64
}

// Name is the partition's on-disk label, "aimager@<role>".
func (p Partition) Name() string { return "aimager@" + string(p.Role) }

// FATVolumeID returns this partition's uuid truncated to the 8 hex
// characters, split 4-4, that a FAT volume id field can hold — the form
// §3/§4.4 require for the boot partition's uuid.
func (p Partition) FATVolumeID() string {
	hex := strings.ToUpper(strings.ReplaceAll(p.UUID.String(), "-", ""))
	if len(hex) < 8 {
		return hex
	}
	return hex[0:4] + "-" + hex[4:8]
}

// Table is an ordered partition table.
type Table struct {
	Label      Label
	Partitions []Partition

	// FirstLBA and LastLBA come from the declaration's optional
	// "first-lba:"/"last-lba:" lines, in sectors; 0 means unset.
	FirstLBA int64
	LastLBA  int64
}

// Well-known GPT type GUIDs used by aimager's boot/root/home partitions.
const (
	GUIDESP       = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	GUIDLinuxRoot = "4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709" // x86_64 root
	GUIDLinuxHome = "933AC7E1-2EB4-4F13-B844-0E14E2AEF915"
	GUIDBIOSBoot  = "21686148-6449-6E6F-744E-656564454649"
)

// Render produces the sfdisk "dump" format text for t, the same grammar
// Parse reads back, with one "aimager@<role>:" line per partition.
func Render(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "label: %s\n", t.Label)
	if t.FirstLBA != 0 {
		fmt.Fprintf(&b, "first-lba: %d\n", t.FirstLBA)
	}
	if t.LastLBA != 0 {
		fmt.Fprintf(&b, "last-lba: %d\n", t.LastLBA)
	}
	for _, p := range t.Partitions {
		fmt.Fprintf(&b, "aimager@%s: size=%dMiB", p.Role, p.SizeMiB)
		if p.OffsetMiB != 0 {
			fmt.Fprintf(&b, ", offset=%dMiB", p.OffsetMiB)
		}
		if p.Type != "" {
			if strings.ContainsAny(p.Type, " ()") {
				fmt.Fprintf(&b, ", type=%q", p.Type)
			} else {
				fmt.Fprintf(&b, ", type=%s", p.Type)
			}
		}
		if p.Bootable {
			b.WriteString(", bootable")
		}
		if p.UUID != uuid.Nil {
			fmt.Fprintf(&b, ", uuid=%s", p.UUID)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse reads the declaration grammar described in §4.4: a "label: <type>"
// header, optional "first-lba:"/"last-lba:" lines, and one
// "aimager@<role>: k=v,..." line per partition.
func Parse(text string) (Table, error) {
	var t Table
	seenRoles := make(map[Role]bool)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "label:"):
			t.Label = Label(strings.TrimSpace(strings.TrimPrefix(line, "label:")))
		case strings.HasPrefix(line, "first-lba:"):
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "first-lba:")), 10, 64)
			if err != nil {
				return t, fmt.Errorf("parsing first-lba: %w", err)
			}
			t.FirstLBA = n
		case strings.HasPrefix(line, "last-lba:"):
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "last-lba:")), 10, 64)
			if err != nil {
				return t, fmt.Errorf("parsing last-lba: %w", err)
			}
			t.LastLBA = n
		case strings.HasPrefix(line, "label-id:"), strings.HasPrefix(line, "device:"),
			strings.HasPrefix(line, "unit:"), strings.HasPrefix(line, "sector-size:"):
			// Informational sfdisk-dump lines aimager doesn't model; ignored
			// on read, never emitted by Render.
		case strings.HasPrefix(line, "aimager@"):
			p, err := parsePartitionLine(line)
			if err != nil {
				return t, fmt.Errorf("parsing partition line %q: %w", line, err)
			}
			if seenRoles[p.Role] {
				return t, fmt.Errorf("%w: %q", ErrDuplicateRole, p.Role)
			}
			seenRoles[p.Role] = true
			t.Partitions = append(t.Partitions, p)
		}
	}
	if err := sc.Err(); err != nil {
		return t, err
	}
	if t.Label == "" {
		return t, fmt.Errorf("%w: partition table text has no label: line", ErrMissingTableRoot)
	}
	ResolveOffsets(&t)
	return t, nil
}

func parsePartitionLine(line string) (Partition, error) {
	rest := strings.TrimPrefix(line, "aimager@")
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return Partition{}, fmt.Errorf("missing ':' after role in %q", line)
	}
	role := Role(strings.TrimSpace(rest[:idx]))
	if !validRole(role) {
		return Partition{}, fmt.Errorf("unknown role %q", role)
	}
	p := Partition{Role: role}
	for _, field := range strings.Split(rest[idx+1:], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if field == "bootable" {
			p.Bootable = true
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return p, fmt.Errorf("malformed attribute %q", field)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "size":
			miB, err := parseSizeMiB(val)
			if err != nil {
				return p, err
			}
			p.SizeMiB = miB
		case "offset":
			miB, err := parseSizeMiB(val)
			if err != nil {
				return p, err
			}
			p.OffsetMiB = miB
		case "type":
			p.Type = strings.Trim(val, `"`)
		case "uuid":
			u, err := uuid.Parse(val)
			if err != nil {
				return p, err
			}
			p.UUID = u
		}
	}
	return p, nil
}

var sizeMultiplier = map[byte]int64{
	'K': 1024,
	'M': 1024 * 1024,
	'G': 1024 * 1024 * 1024,
	'T': 1024 * 1024 * 1024 * 1024,
	'P': 1024 * 1024 * 1024 * 1024 * 1024,
	'E': 1024 * 1024 * 1024 * 1024 * 1024 * 1024,
}

// parseSizeMiB accepts a bare integer (sector count) or a number followed
// by a K/M/G/T/P/E unit with an optional "i[Bb]"/"[Bb]" suffix, returning
// the size in MiB rounded up, per §4.4.
func parseSizeMiB(val string) (int64, error) {
	i := 0
	for i < len(val) && val[i] >= '0' && val[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("%w: %q has no leading digits", ErrUnknownSuffix, val)
	}
	n, err := strconv.ParseInt(val[:i], 10, 64)
	if err != nil {
		return 0, err
	}
	suffix := val[i:]
	if suffix == "" {
		// Bare integer: a sector count, as sfdisk itself accepts.
		return ceilMiB(n * SectorSize), nil
	}
	mult, ok := sizeMultiplier[strings.ToUpper(suffix[:1])[0]]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSuffix, suffix)
	}
	switch strings.ToLower(suffix[1:]) {
	case "", "i", "ib", "b":
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSuffix, suffix)
	}
	return ceilMiB(n * mult), nil
}

func ceilMiB(bytes int64) int64 {
	const miB = 1024 * 1024
	return (bytes + miB - 1) / miB
}

// ResolveOffsets assigns each partition's OffsetMiB that wasn't set
// explicitly in the declaration, chaining from FirstLBA (default 2048
// sectors = 1 MiB) through each partition's end, in declared order.
func ResolveOffsets(t *Table) {
	firstLBA := t.FirstLBA
	if firstLBA == 0 {
		firstLBA = 2048
	}
	next := ceilMiB(firstLBA * SectorSize)
	for i := range t.Partitions {
		p := &t.Partitions[i]
		if p.OffsetMiB == 0 {
			p.OffsetMiB = next
		}
		next = p.OffsetMiB + p.SizeMiB
	}
}

// DiskSizeMiB returns the minimum disk size implied by t, in MiB: derived
// from last-lba if present (reserving 33 sectors for the backup GPT table),
// else from the maximum partition end, plus a 1 MiB GPT footer reservation.
func DiskSizeMiB(t Table) int64 {
	if t.LastLBA != 0 {
		reserve := int64(0)
		if t.Label == LabelGPT {
			reserve = 33
		}
		return ceilMiB((t.LastLBA + reserve + 1) * SectorSize)
	}
	var max int64
	for _, p := range t.Partitions {
		if end := p.OffsetMiB + p.SizeMiB; end > max {
			max = end
		}
	}
	if t.Label == LabelGPT {
		max++
	}
	return max
}

// Layout resolves offsets (if not already resolved), fills each
// partition's StartLBA/SizeLBA, and returns the total disk size in bytes
// the backing image file must be pre-sized to.
func Layout(t *Table) int64 {
	ResolveOffsets(t)
	for i := range t.Partitions {
		p := &t.Partitions[i]
		p.StartLBA = p.OffsetMiB * 1024 * 1024 / SectorSize
		p.SizeLBA = p.SizeMiB * 1024 * 1024 / SectorSize
	}
	return DiskSizeMiB(*t) * 1024 * 1024
}

// WithUUIDs assigns a random v4 UUID to every partition that doesn't
// already have one.
func WithUUIDs(t Table) Table {
	for i := range t.Partitions {
		if t.Partitions[i].UUID == uuid.Nil {
			t.Partitions[i].UUID = uuid.New()
		}
	}
	return t
}
