package pattern

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// Universal invariant (spec.md §8): for all pattern p and binding b
// consistent with p, match(p, format(p, b)) = b.
func TestMatchFormatRoundTrip(t *testing.T) {
	cases := []struct {
		pattern  string
		bindings map[string]string
	}{
		{"obj/{*name}.o", map[string]string{"name": "a"}},
		{"files/{*name}/{**rest}", map[string]string{"name": "X", "rest": "a/b/c.txt"}},
		{"{*a}-{*b}.txt", map[string]string{"a": "foo", "b": "bar"}},
	}

	for _, c := range cases {
		p, err := Parse(c.pattern)
		if err != nil {
			t.Fatalf("parse %q: %v", c.pattern, err)
		}
		formatted, err := Format(p, c.bindings)
		if err != nil {
			t.Fatalf("format %q: %v", c.pattern, err)
		}
		got, ok, err := Match(p, formatted, nil)
		if err != nil {
			t.Fatalf("match %q against %q: %v", c.pattern, formatted, err)
		}
		if !ok {
			t.Fatalf("pattern %q did not match its own formatted output %q", c.pattern, formatted)
		}
		if !reflect.DeepEqual(got, c.bindings) {
			t.Errorf("round trip mismatch for %q: got %v, want %v", c.pattern, got, c.bindings)
		}
	}
}

func TestFormatRejectsWildcardHoles(t *testing.T) {
	p, err := Parse("obj/{_junk}.o")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Format(p, map[string]string{}); err == nil {
		t.Fatal("expected formatting a non-captured hole to fail")
	}
}

func TestCaptureKindsAndDynamic(t *testing.T) {
	p := MustParse("files/{*name}/{**_file}")
	if !p.IsCapturing() {
		t.Error("expected pattern to be capturing")
	}
	if !p.IsDynamic() {
		t.Error("expected pattern to be dynamic")
	}
	if got := p.CapturingNames(); len(got) != 1 || got[0] != "name" {
		t.Errorf("capturing names = %v, want [name]", got)
	}
}

func TestSingleStarDoesNotCrossSlash(t *testing.T) {
	p := MustParse("obj/{*name}.o")
	if _, ok, _ := Match(p, "obj/sub/a.o", nil); ok {
		t.Error("{*name} should not match across a slash")
	}
	if _, ok, _ := Match(p, "obj/a.o", nil); !ok {
		t.Error("{*name} should match a plain filename")
	}
}

func TestDoubleStarCrossesSlash(t *testing.T) {
	p := MustParse("files/{*name}/{**rest}")
	b, ok, err := Match(p, "files/X/a/b/c.txt", nil)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	if b["rest"] != "a/b/c.txt" {
		t.Errorf("rest = %q, want a/b/c.txt", b["rest"])
	}
}

func TestGlobOrdersLexicographically(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	p := MustParse(filepath.Join(dir, "{*name}.txt"))
	matches, err := Glob(p, dir)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range matches {
		got = append(got, m.Bindings["name"])
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("glob order = %v, want %v", got, want)
	}
}

func TestInterpolationSubstitutedBeforeMatch(t *testing.T) {
	p := MustParse("obj/{mode}/{*name}.o")
	b, ok, err := Match(p, "obj/release/a.o", map[string]string{"mode": "release"})
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	if b["name"] != "a" {
		t.Errorf("name = %q, want a", b["name"])
	}
	if _, ok, _ := Match(p, "obj/debug/a.o", map[string]string{"mode": "release"}); ok {
		t.Error("expected mismatch when interpolated value does not match path")
	}
}

func TestSameCaptureSet(t *testing.T) {
	a := MustParse("files/{*name}/.all.done")
	b := MustParse("files/{*name}/{**_file}")
	if !SameCaptureSet(a, b) {
		t.Error("expected identical capture sets")
	}
	c := MustParse("files/{*other}/x")
	if SameCaptureSet(a, c) {
		t.Error("expected differing capture names to compare unequal")
	}
	d := MustParse("files/{*name}/{*extra}/x")
	if SameCaptureSet(a, d) {
		t.Error("expected differing capture sets to compare unequal")
	}
}
