package nsorchestrator

import (
	"testing"

	"github.com/aimager/aimager/internal/identity"
)

func TestParseID(t *testing.T) {
	got, err := parseID("1000")
	if err != nil {
		t.Fatalf("parseID: %v", err)
	}
	if got != 1000 {
		t.Fatalf("parseID(%q) = %d, want 1000", "1000", got)
	}
}

func TestParseIDRejectsNonNumeric(t *testing.T) {
	if _, err := parseID("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestModeConstants(t *testing.T) {
	if ModeSync == ModeAsync {
		t.Fatal("ModeSync and ModeAsync must be distinct")
	}
}

func TestFormatMapArgInnerOuterCount(t *testing.T) {
	got := formatMapArg("inner:outer:count", 1000, identity.Range{Start: 100000, Count: 65536})
	want := "0:1000:1,1:100000:65536"
	if got != want {
		t.Errorf("formatMapArg() = %q, want %q", got, want)
	}
}

func TestFormatMapArgOuterInnerCount(t *testing.T) {
	got := formatMapArg("outer,inner,count", 1000, identity.Range{Start: 100000, Count: 65536})
	want := "1000,0,1,100000,1,65536"
	if got != want {
		t.Errorf("formatMapArg() = %q, want %q", got, want)
	}
}
