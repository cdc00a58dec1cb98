package parttable

import (
	"strings"
	"testing"
)

func TestRenderParseRoundTrip(t *testing.T) {
	in := Table{
		Label: LabelGPT,
		Partitions: []Partition{
			{Role: RoleBoot, Type: GUIDESP, SizeMiB: 256},
			{Role: RoleRoot, Type: GUIDLinuxRoot, SizeMiB: 2048},
		},
	}
	rendered := Render(in)
	if !strings.HasPrefix(rendered, "label: gpt\n") {
		t.Fatalf("rendered table missing label header:\n%s", rendered)
	}

	out, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.Label != LabelGPT {
		t.Errorf("Label = %q, want gpt", out.Label)
	}
	if len(out.Partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(out.Partitions))
	}
	if out.Partitions[0].Role != RoleBoot || out.Partitions[0].SizeMiB != 256 {
		t.Errorf("partition 0 = %+v", out.Partitions[0])
	}
	if out.Partitions[1].Type != GUIDLinuxRoot {
		t.Errorf("partition 1 type = %q, want %q", out.Partitions[1].Type, GUIDLinuxRoot)
	}
}

func TestParseRejectsMissingLabel(t *testing.T) {
	_, err := Parse("aimager@boot: size=1MiB, type=foo\n")
	if err == nil {
		t.Fatal("expected error for table without label: line")
	}
}

func TestParseRejectsDuplicateRole(t *testing.T) {
	_, err := Parse("label: gpt\naimager@boot: size=8MiB\naimager@boot: size=16MiB\n")
	if err == nil {
		t.Fatal("expected error for duplicate role")
	}
}

func TestParseBootableAndUUID(t *testing.T) {
	out, err := Parse("label: dos\naimager@boot: size=8MiB, type=ef, bootable, uuid=123e4567-e89b-12d3-a456-426614174000\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out.Partitions) != 1 {
		t.Fatalf("got %d partitions, want 1", len(out.Partitions))
	}
	p := out.Partitions[0]
	if !p.Bootable {
		t.Error("expected bootable=true")
	}
	if p.UUID.String() != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("UUID = %s", p.UUID)
	}
}

func TestParseExplicitOffset(t *testing.T) {
	out, err := Parse("label: gpt\naimager@boot: size=8MiB, offset=2MiB\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.Partitions[0].OffsetMiB != 2 {
		t.Errorf("OffsetMiB = %d, want 2", out.Partitions[0].OffsetMiB)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := []struct {
		val  string
		want int64
	}{
		{"2048", 1}, // bare sectors: 2048 * 512B = 1MiB
		{"1MiB", 1},
		{"1M", 1},
		{"1GiB", 1024},
		{"1Gi", 1024},
	}
	for _, c := range cases {
		got, err := parseSizeMiB(c.val)
		if err != nil {
			t.Errorf("parseSizeMiB(%q): %v", c.val, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseSizeMiB(%q) = %d, want %d", c.val, got, c.want)
		}
	}
}

func TestParseUnknownSuffix(t *testing.T) {
	if _, err := parseSizeMiB("5XiB"); err == nil {
		t.Fatal("expected error for unknown size suffix")
	}
}

func TestLayoutAlignsAndSizesDisk(t *testing.T) {
	table := Table{
		Label: LabelGPT,
		Partitions: []Partition{
			{Role: RoleBoot, SizeMiB: 10},
			{Role: RoleRoot, SizeMiB: 20},
		},
	}
	total := Layout(&table)
	if table.Partitions[0].StartLBA*SectorSize != 1024*1024 {
		t.Errorf("first partition should start at 1MiB, got LBA %d", table.Partitions[0].StartLBA)
	}
	if table.Partitions[1].StartLBA < table.Partitions[0].StartLBA+table.Partitions[0].SizeLBA {
		t.Errorf("second partition should start at or after the first one's end")
	}
	if total <= 30*1024*1024 {
		t.Errorf("total disk size %d too small for 30MiB of partitions plus headers", total)
	}
}

// TestScenario4DiskSize reproduces the documented example of a 1024MiB boot
// partition followed by a 16384MiB root partition, yielding a 17410MiB disk.
func TestScenario4DiskSize(t *testing.T) {
	table := Table{
		Label: LabelGPT,
		Partitions: []Partition{
			{Role: RoleBoot, SizeMiB: 1024},
			{Role: RoleRoot, SizeMiB: 16384},
		},
	}
	ResolveOffsets(&table)
	if table.Partitions[0].OffsetMiB != 1 {
		t.Errorf("boot offset = %d, want 1", table.Partitions[0].OffsetMiB)
	}
	if table.Partitions[1].OffsetMiB != 1025 {
		t.Errorf("root offset = %d, want 1025", table.Partitions[1].OffsetMiB)
	}
	if got := DiskSizeMiB(table); got != 17410 {
		t.Errorf("DiskSizeMiB = %d, want 17410", got)
	}
}

func TestWithUUIDsAssignsMissingOnly(t *testing.T) {
	table := Table{Partitions: []Partition{{Role: RoleBoot}, {Role: RoleRoot}}}
	table.Partitions[0].UUID = [16]byte{1}
	out := WithUUIDs(table)
	if out.Partitions[0].UUID != [16]byte{1} {
		t.Error("WithUUIDs should not overwrite an existing UUID")
	}
	if out.Partitions[1].UUID == [16]byte{} {
		t.Error("WithUUIDs should assign a UUID to a partition missing one")
	}
}

func TestFATVolumeIDFormat(t *testing.T) {
	table := WithUUIDs(Table{Partitions: []Partition{{Role: RoleBoot}}})
	id := table.Partitions[0].FATVolumeID()
	if len(id) != 9 || id[4] != '-' {
		t.Errorf("FATVolumeID() = %q, want XXXX-XXXX form", id)
	}
}
