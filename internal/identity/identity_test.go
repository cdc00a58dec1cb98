package identity

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSubidFile(t *testing.T) {
	entries, err := parseSubidFile(strings.NewReader(
		"# comment\n" +
			"alice:100000:65536\n" +
			"\n" +
			"1000:165536:65536\n" +
			"malformed-line\n",
	))
	if err != nil {
		t.Fatalf("parseSubidFile: %v", err)
	}
	if got, want := entries["alice"], (Range{Start: 100000, Count: 65536}); got != want {
		t.Errorf("alice = %+v, want %+v", got, want)
	}
	if got, want := entries["1000"], (Range{Start: 165536, Count: 65536}); got != want {
		t.Errorf("1000 = %+v, want %+v", got, want)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2 (malformed line should be skipped)", len(entries))
	}
}

func TestResolveFallsBackToNumericID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subuid")
	if err := os.WriteFile(path, []byte("1000:100000:65536\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := resolve(path, "nonexistent-login", "1000")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := (Range{Start: 100000, Count: 65536}); got != want {
		t.Fatalf("resolve = %+v, want numeric fallback entry %+v", got, want)
	}
}

func TestNoSubidRangeErrorMessage(t *testing.T) {
	err := &NoSubidRangeError{File: "/etc/subuid", LoginName: "bob", UID: "1000"}
	msg := err.Error()
	if !strings.Contains(msg, "bob") || !strings.Contains(msg, "1000") || !strings.Contains(msg, "/etc/subuid") {
		t.Errorf("error message missing expected detail: %s", msg)
	}
}

func TestCurrentUser(t *testing.T) {
	u, err := CurrentUser()
	if err != nil {
		t.Skipf("user.Current unavailable in this environment: %v", err)
	}
	if u.Uid == "" {
		t.Error("expected non-empty Uid")
	}
	_ = user.User{}
}
