package main

import "testing"

func TestNormalizeArch(t *testing.T) {
	cases := map[string]string{
		"amd64": "x86_64",
		"386":   "i686",
		"arm64": "aarch64",
		"arm":   "armv7h",
		"loong64": "loong64",
	}
	for in, want := range cases {
		if got := normalizeArch(in); got != want {
			t.Errorf("normalizeArch(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToSet(t *testing.T) {
	set := toSet([]string{"a", "b", "a"})
	if len(set) != 2 || !set["a"] || !set["b"] {
		t.Errorf("toSet = %v", set)
	}
}

func TestStringListFlag(t *testing.T) {
	var sl stringList
	if err := sl.Set("one"); err != nil {
		t.Fatal(err)
	}
	if err := sl.Set("two"); err != nil {
		t.Fatal(err)
	}
	if sl.String() != "one,two" {
		t.Errorf("String() = %q", sl.String())
	}
}
