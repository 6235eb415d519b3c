package scheduler

import (
	"os"
	"testing"

	"dynamake/internal/actionlog"
	"dynamake/internal/annotation"
	"dynamake/internal/params"
	"dynamake/internal/pattern"
	"dynamake/internal/resources"
	"dynamake/internal/rules"
	"dynamake/internal/runner"
	"dynamake/internal/statcache"
)

func mustPattern(raw string) *pattern.Pattern { return pattern.MustParse(raw) }

func formatPattern(raw string, bindings map[string]string) (string, error) {
	return pattern.Format(pattern.MustParse(raw), bindings)
}

// chdir switches the test process into dir, restoring the previous working
// directory on cleanup. internal/pattern globs relative to ".".
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := rules.NewRegistry()
	store := actionlog.New(".dynamake")
	cache := statcache.New()
	pool := resources.NewPool(map[string]int{"jobs": 4})
	ps := params.NewStore()
	run := runner.New(runner.Policy{RemoveStaleOutputs: true}, cache, nil)
	return New(reg, store, cache, pool, ps, run, Config{FailureAbortsBuild: true, RebuildChangedActions: true})
}

// copyStep registers a step that copies its single required source to its
// single declared output, mirroring the canonical "compile one file" case
// from the up-to-date oracle's worked examples.
func copyStep(t *testing.T, e *Engine, name, outPattern, srcPattern string) {
	t.Helper()
	step := &rules.Step{
		Name:     name,
		Outputs:  []*pattern.Pattern{mustPattern(outPattern)},
		Priority: 0,
		Factory: func(bindings map[string]string) rules.StepFunc {
			return func(ctx rules.StepContext) error {
				src, err := formatPattern(srcPattern, bindings)
				if err != nil {
					return err
				}
				if err := ctx.Require(src); err != nil {
					return err
				}
				if err := ctx.Sync(); err != nil {
					return err
				}
				in, err := ctx.Input(0)
				if err != nil {
					return err
				}
				out, err := formatPattern(outPattern, bindings)
				if err != nil {
					return err
				}
				return ctx.Shell([]string{"cp", in, out}, nil)
			}
		},
	}
	if err := e.Registry.Register(step); err != nil {
		t.Fatal(err)
	}
}

func TestColdBuildRunsAction(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.WriteFile("build.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	copyStep(t, e, "copy", "{*name}.out", "{*name}.txt")

	if err := e.Require("build.out"); err != nil {
		t.Fatalf("Require: %v", err)
	}
	if _, err := os.Stat("build.out"); err != nil {
		t.Fatalf("expected output to be produced: %v", err)
	}
}

func TestWarmBuildSkipsAction(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.WriteFile("build.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	copyStep(t, e, "copy", "{*name}.out", "{*name}.txt")
	if err := e.Require("build.out"); err != nil {
		t.Fatalf("first Require: %v", err)
	}

	info, err := os.Stat("build.out")
	if err != nil {
		t.Fatal(err)
	}
	firstModTime := info.ModTime()

	// Second engine, same persistent log on disk: nothing changed, so the
	// copy action must not re-run (no "outputs newer" would be detectable
	// since cp doesn't change mtime meaningfully, but we assert the oracle
	// reports up to date by checking the record was not rewritten with a new
	// action timestamp span).
	e2 := newTestEngine(t)
	copyStep(t, e2, "copy", "{*name}.out", "{*name}.txt")
	if err := e2.Require("build.out"); err != nil {
		t.Fatalf("second Require: %v", err)
	}

	info2, err := os.Stat("build.out")
	if err != nil {
		t.Fatal(err)
	}
	if !info2.ModTime().Equal(firstModTime) {
		t.Error("expected output mtime to be unchanged on a warm (up to date) second build")
	}
}

func TestPhonyStepAlwaysRuns(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	e := newTestEngine(t)
	runs := 0
	step := &rules.Step{
		Name:        "clean",
		Outputs:     []*pattern.Pattern{mustPattern("clean")},
		OutputFlags: []annotation.Set{annotation.New(annotation.Phony)},
		Priority:    0,
		Factory: func(bindings map[string]string) rules.StepFunc {
			return func(ctx rules.StepContext) error {
				runs++
				return ctx.Shell([]string{"true"}, nil)
			}
		},
	}
	if err := e.Registry.Register(step); err != nil {
		t.Fatal(err)
	}
	if err := e.Require("clean"); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t)
	step2 := *step
	step2.Factory = step.Factory
	if err := e2.Registry.Register(&step2); err != nil {
		t.Fatal(err)
	}
	if err := e2.Require("clean"); err != nil {
		t.Fatal(err)
	}
	if runs != 2 {
		t.Errorf("expected a phony step to run on every build, got %d runs", runs)
	}
}

func TestResourceBudgetAdmitsBothActionsUnderContention(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	reg := rules.NewRegistry()
	store := actionlog.New(".dynamake")
	cache := statcache.New()
	pool := resources.NewPool(map[string]int{"slot": 1})
	ps := params.NewStore()
	run := runner.New(runner.Policy{}, cache, nil)
	e := New(reg, store, cache, pool, ps, run, Config{FailureAbortsBuild: true, RebuildChangedActions: true})

	makeStep := func(name, out string) {
		s := &rules.Step{
			Name:     name,
			Outputs:  []*pattern.Pattern{mustPattern(out)},
			Priority: 0,
			Factory: func(bindings map[string]string) rules.StepFunc {
				return func(ctx rules.StepContext) error {
					return ctx.Shell([]string{"touch", out}, map[string]int{"slot": 1})
				}
			},
		}
		if err := e.Registry.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	makeStep("a", "a.out")
	makeStep("b", "b.out")

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- e.Require("a.out") }()
	go func() { errB <- e.Require("b.out") }()

	if err := <-errA; err != nil {
		t.Fatal(err)
	}
	if err := <-errB; err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"a.out", "b.out"} {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("expected %s to exist: %v", f, err)
		}
	}
}

func TestFailureAbortsBuildPropagatesError(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	e := newTestEngine(t)
	step := &rules.Step{
		Name:     "boom",
		Outputs:  []*pattern.Pattern{mustPattern("boom.out")},
		Priority: 0,
		Factory: func(bindings map[string]string) rules.StepFunc {
			return func(ctx rules.StepContext) error {
				return ctx.Shell([]string{"false"}, nil)
			}
		},
	}
	if err := e.Registry.Register(step); err != nil {
		t.Fatal(err)
	}
	if err := e.Require("boom.out"); err == nil {
		t.Error("expected a failing action to surface an error")
	}
	if !e.Failed() {
		t.Error("expected Engine.Failed() to be true after a step failure")
	}
}
