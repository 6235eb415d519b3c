package oracle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dynamake/internal/actionlog"
	"dynamake/internal/annotation"
	"dynamake/internal/statcache"
)

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// TestRulePhonyAlwaysMustRun covers rule 1: any phony output forces a rebuild
// regardless of everything else.
func TestRulePhonyAlwaysMustRun(t *testing.T) {
	cache := statcache.New()
	log := actionlog.New(t.TempDir())
	d := Decide(Candidate{StepName: "clean", AnyOutputPhony: true}, cache, log)
	if !d.MustRun || d.Reason != ReasonPhony {
		t.Errorf("Decide = %+v, want MustRun with ReasonPhony", d)
	}
}

// TestRuleNeverBuiltWithRebuildChangedActions covers rule 2: no persistent
// record and rebuild_changed_actions enabled forces a rebuild.
func TestRuleNeverBuiltWithRebuildChangedActions(t *testing.T) {
	cache := statcache.New()
	log := actionlog.New(t.TempDir())
	d := Decide(Candidate{StepName: "compile", RebuildChangedActions: true}, cache, log)
	if !d.MustRun || d.Reason != ReasonNeverBuilt {
		t.Errorf("Decide = %+v, want MustRun with ReasonNeverBuilt", d)
	}
}

// TestRuleNeverBuiltWithoutRebuildChangedActionsFallsThrough covers the same
// "never built" state but with rebuild_changed_actions disabled: with no
// inputs/outputs to compare, rules 4/5 find nothing missing or newer, so the
// step is reported up to date.
func TestRuleNeverBuiltWithoutRebuildChangedActionsFallsThrough(t *testing.T) {
	cache := statcache.New()
	log := actionlog.New(t.TempDir())
	d := Decide(Candidate{StepName: "compile"}, cache, log)
	if d.MustRun {
		t.Errorf("Decide = %+v, want up to date when there is nothing to compare", d)
	}
}

// TestRuleRecordChangedOnDifferentInputs covers rule 3: a persistent record
// whose resolved inputs differ from the candidate's forces a rebuild.
func TestRuleRecordChangedOnDifferentInputs(t *testing.T) {
	dir := t.TempDir()
	log := actionlog.New(dir)
	if err := log.Save("compile", nil, &actionlog.Record{
		Step:     "compile",
		Required: []string{"old.c"},
		Outputs:  []string{"a.o"},
	}); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "a.o")
	writeFile(t, out, time.Now())
	cache := statcache.New()

	d := Decide(Candidate{
		StepName: "compile",
		Inputs:   []annotation.Path{annotation.Plain("new.c")},
		Outputs:  []annotation.Path{annotation.Plain(out)},
	}, cache, log)
	if !d.MustRun || d.Reason != ReasonRecordChanged {
		t.Errorf("Decide = %+v, want MustRun with ReasonRecordChanged", d)
	}
}

// TestRuleOutputMissingForcesRebuild covers rule 4.
func TestRuleOutputMissingForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	log := actionlog.New(dir)
	missing := filepath.Join(dir, "missing.o")

	cache := statcache.New()
	d := Decide(Candidate{
		StepName: "compile",
		Outputs:  []annotation.Path{annotation.Plain(missing)},
	}, cache, log)
	if !d.MustRun || d.Reason != ReasonOutputMissing {
		t.Errorf("Decide = %+v, want MustRun with ReasonOutputMissing", d)
	}
}

// TestRuleOutputMissingIgnoresExistsAnnotated ensures an exists-annotated
// output missing from disk does not trip rule 4 (it is allowed to be
// logically satisfied without a concrete file).
func TestRuleOutputMissingIgnoresExistsAnnotated(t *testing.T) {
	dir := t.TempDir()
	log := actionlog.New(dir)
	missing := filepath.Join(dir, "missing.o")

	cache := statcache.New()
	d := Decide(Candidate{
		StepName: "compile",
		Outputs:  []annotation.Path{annotation.Of(missing, annotation.Exists)},
	}, cache, log)
	if d.MustRun {
		t.Errorf("Decide = %+v, want up to date: an exists-annotated output's absence is not rule 4's concern", d)
	}
}

// TestRuleInputNewerThanOutputForcesRebuild covers rule 5.
func TestRuleInputNewerThanOutputForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	log := actionlog.New(dir)

	in := filepath.Join(dir, "a.c")
	out := filepath.Join(dir, "a.o")
	base := time.Now().Add(-time.Hour)
	writeFile(t, out, base)
	writeFile(t, in, base.Add(time.Minute)) // newer than the output

	cache := statcache.New()
	d := Decide(Candidate{
		StepName: "compile",
		Inputs:   []annotation.Path{annotation.Plain(in)},
		Outputs:  []annotation.Path{annotation.Plain(out)},
	}, cache, log)
	if !d.MustRun || d.Reason != ReasonInputNewer {
		t.Errorf("Decide = %+v, want MustRun with ReasonInputNewer", d)
	}
}

// TestUpToDateWhenOutputNewerThanInput confirms the happy path: a resolved
// record, existing output newer than its input, yields "up to date".
func TestUpToDateWhenOutputNewerThanInput(t *testing.T) {
	dir := t.TempDir()
	log := actionlog.New(dir)

	in := filepath.Join(dir, "a.c")
	out := filepath.Join(dir, "a.o")
	base := time.Now().Add(-time.Hour)
	writeFile(t, in, base)
	writeFile(t, out, base.Add(time.Minute)) // newer than the input

	if err := log.Save("compile", nil, &actionlog.Record{
		Step:     "compile",
		Required: []string{in},
		Outputs:  []string{out},
	}); err != nil {
		t.Fatal(err)
	}

	cache := statcache.New()
	d := Decide(Candidate{
		StepName: "compile",
		Inputs:   []annotation.Path{annotation.Plain(in)},
		Outputs:  []annotation.Path{annotation.Plain(out)},
	}, cache, log)
	if d.MustRun {
		t.Errorf("Decide = %+v, want up to date", d)
	}
	if d.Reason != ReasonUpToDate {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonUpToDate)
	}
}

// TestPhonyMtimeIsOneNanosecondPastLatestInput exercises the synthetic mtime
// computation a phony step's dependents see.
func TestPhonyMtimeIsOneNanosecondPastLatestInput(t *testing.T) {
	dir := t.TempDir()
	in1 := filepath.Join(dir, "a")
	in2 := filepath.Join(dir, "b")
	base := time.Now().Truncate(time.Second)
	writeFile(t, in1, base)
	writeFile(t, in2, base.Add(time.Minute))

	cache := statcache.New()
	got := PhonyMtime([]annotation.Path{annotation.Plain(in1), annotation.Plain(in2)}, cache)
	want := base.Add(time.Minute).Add(time.Nanosecond)
	if !got.Equal(want) {
		t.Errorf("PhonyMtime = %v, want %v", got, want)
	}
}
