package actionlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathParameterlessStep(t *testing.T) {
	s := New("/state")
	got := s.Path("compile", nil)
	want := filepath.Join("/state", "compile.actions.yaml")
	if got != want {
		t.Errorf("Path(%q, nil) = %q, want %q", "compile", got, want)
	}
}

func TestPathParameterizedStepSortsBindings(t *testing.T) {
	s := New("/state")
	got := s.Path("compile", map[string]string{"b": "2", "a": "1"})
	want := filepath.Join("/state", "compile", "a=1&b=2.actions.yaml")
	if got != want {
		t.Errorf("Path with bindings = %q, want %q", got, want)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	rec := &Record{
		Step:     "compile",
		Required: []string{"a.c"},
		Outputs:  []string{"a.o"},
		Actions:  []Action{{Argv: []string{"cc", "-c", "a.c"}, Start: "t0", End: "t1"}},
	}
	if err := s.Save("compile", nil, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok := s.Load("compile", nil)
	if !ok {
		t.Fatal("expected Load to find the saved record")
	}
	if got.Step != rec.Step || len(got.Required) != 1 || got.Required[0] != "a.c" {
		t.Errorf("round-tripped record mismatch: got %+v", got)
	}
}

func TestLoadMissingRecordReportsNotOkWithNoError(t *testing.T) {
	s := New(t.TempDir())
	_, ok := s.Load("never-built", nil)
	if ok {
		t.Error("expected Load of a missing record to report ok == false")
	}
}

func TestLoadCorruptRecordReportsNotOk(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	path := s.Path("compile", nil)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not: valid: yaml: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	_, ok := s.Load("compile", nil)
	if ok {
		t.Error("expected a corrupt record to be treated as never-built, per spec.md §7")
	}
}

// TestSaveLeavesNoTempFileBehind exercises the atomic write path: Save must
// not leave a `.actionlog-tmp-*` file in the state directory after a
// successful write (spec.md §5's atomic-replace requirement).
func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Save("compile", nil, &Record{Step: "compile"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".yaml" {
			t.Errorf("unexpected leftover file after Save: %s", e.Name())
		}
	}
}

func TestSaveOverwritesPreviousRecord(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Save("compile", nil, &Record{Step: "compile", Outputs: []string{"v1.o"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("compile", nil, &Record{Step: "compile", Outputs: []string{"v2.o"}}); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Load("compile", nil)
	if !ok {
		t.Fatal("expected Load to find the saved record")
	}
	if len(got.Outputs) != 1 || got.Outputs[0] != "v2.o" {
		t.Errorf("expected the second Save to overwrite the first, got %+v", got)
	}
}

func TestStripPhonyRemovesMarkedArguments(t *testing.T) {
	argv := []string{"cc", "-c", "a.c", "-o", "a.o"}
	phony := []bool{false, false, false, true, true}
	got := StripPhony(argv, phony)
	want := []string{"cc", "-c", "a.c"}
	if len(got) != len(want) {
		t.Fatalf("StripPhony = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("StripPhony = %v, want %v", got, want)
		}
	}
}

func TestStripPhonyNilPhonyKeepsEverything(t *testing.T) {
	argv := []string{"touch", "out"}
	got := StripPhony(argv, nil)
	if len(got) != 2 || got[0] != "touch" || got[1] != "out" {
		t.Errorf("StripPhony with nil phony mask = %v, want argv unchanged", got)
	}
}
