// Package engine wires C1–C9 together behind a small top-level API: load a
// module file, configure the parameter store and resource budget, and drive
// the scheduler to build a set of requested targets.
package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"dynamake/internal/actionlog"
	"dynamake/internal/configfile"
	"dynamake/internal/params"
	"dynamake/internal/resources"
	"dynamake/internal/rules"
	"dynamake/internal/rulesyaml"
	"dynamake/internal/runner"
	"dynamake/internal/scheduler"
	"dynamake/internal/statcache"
)

// Options mirrors the command-line surface from spec.md §6.
type Options struct {
	ModulePath             string
	ConfigPath             string // optional --config file, YAML or TOML
	StateDir               string // default ".dynamake"
	Jobs                   int    // negative = fraction of nproc, 0 = unlimited, positive = exact cap
	RebuildChangedActions  bool
	FailureAbortsBuild     bool
	RemoveStaleOutputs     bool
	RemoveFailedOutputs    bool
	RemoveEmptyDirectories bool
	TouchSuccessOutputs    bool
	WaitNFSOutputs         bool
	NFSOutputsTimeout      time.Duration
	LogSkippedActions      bool
	TraceRSS               bool
	DryRun                 bool
	ExtraResources         map[string]int // resource_parameters beyond "jobs"
	Sink                   runner.Sink
}

// Default returns Options matching spec.md §6's documented flag defaults.
func Default() Options {
	return Options{
		StateDir:              ".dynamake",
		Jobs:                  -1,
		RebuildChangedActions: true,
		FailureAbortsBuild:    true,
		RemoveStaleOutputs:    true,
		RemoveFailedOutputs:   true,
		NFSOutputsTimeout:     60 * time.Second,
	}
}

// Engine is the fully wired build engine.
type Engine struct {
	Registry *rules.Registry
	Params   *params.Store
	Pool     *resources.Pool
	Cache    *statcache.Cache
	Store    *actionlog.Store
	Runner   *runner.Runner
	sched    *scheduler.Engine
}

// New constructs an Engine from opts, loading the module file if one is
// named.
func New(opts Options) (*Engine, error) {
	cache := statcache.New()

	jobs, err := resolveJobs(opts.Jobs)
	if err != nil {
		return nil, fmt.Errorf("engine: resolving jobs: %w", err)
	}

	budgets := map[string]int{"jobs": jobs}
	for name, n := range opts.ExtraResources {
		budgets[name] = n
	}
	pool := resources.NewPool(budgets)

	store := actionlog.New(opts.StateDir)

	ps := params.NewStore()

	reg := rules.NewRegistry()
	if opts.ModulePath != "" {
		mf, err := rulesyaml.Load(opts.ModulePath)
		if err != nil {
			return nil, err
		}
		if err := rulesyaml.CompileParameters(mf, ps); err != nil {
			return nil, err
		}
		if err := rulesyaml.Compile(mf, reg); err != nil {
			return nil, err
		}
	}

	if opts.ConfigPath != "" {
		values, err := configfile.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		if err := ps.AddLayer("config-file", values); err != nil {
			return nil, err
		}
	}

	policy := runner.Policy{
		RemoveStaleOutputs:  opts.RemoveStaleOutputs,
		RemoveEmptyDirs:     opts.RemoveEmptyDirectories,
		RemoveFailedOutputs: opts.RemoveFailedOutputs,
		TouchSuccessOutputs: opts.TouchSuccessOutputs,
		WaitNFSOutputs:      opts.WaitNFSOutputs,
		NFSOutputsTimeout:   opts.NFSOutputsTimeout,
		DryRun:              opts.DryRun,
		TraceRSS:            opts.TraceRSS,
	}
	run := runner.New(policy, cache, opts.Sink)

	cfg := scheduler.Config{
		FailureAbortsBuild:    opts.FailureAbortsBuild,
		RebuildChangedActions: opts.RebuildChangedActions,
		LogSkippedActions:     opts.LogSkippedActions,
	}
	sched := scheduler.New(reg, store, cache, pool, ps, run, cfg)

	return &Engine{
		Registry: reg,
		Params:   ps,
		Pool:     pool,
		Cache:    cache,
		Store:    store,
		Runner:   run,
		sched:    sched,
	}, nil
}

// Build requires every target and waits for the whole transitive build to
// finish, returning the first failure observed (spec.md §6's exit status
// contract).
func (e *Engine) Build(targets []string) error {
	errCh := make(chan error, len(targets))
	for _, t := range targets {
		t := t
		go func() { errCh <- e.sched.Require(t) }()
	}
	var firstErr error
	for range targets {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.sched.Wait()
	if firstErr != nil {
		return firstErr
	}
	if err := e.sched.FirstError(); err != nil {
		return err
	}
	return nil
}

// Snapshot returns the current lifecycle state of every step instance
// started so far, for interactive progress views (`dynamake watch`).
func (e *Engine) Snapshot() []scheduler.InstanceStatus {
	return e.sched.Snapshot()
}

// BuildAsync starts Build in the background and returns immediately with a
// channel that receives exactly one value (the final error, nil on success)
// once the whole transitive build finishes. It exists alongside the
// blocking Build so that a caller can poll Snapshot while a build runs.
func (e *Engine) BuildAsync(targets []string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Build(targets) }()
	return done
}

// resolveJobs turns the --jobs flag's signed-int encoding into a concrete
// budget: negative N means a fraction 1/|N| of logical CPUs (rounded up, at
// least 1), 0 means unlimited, positive N is an exact cap.
func resolveJobs(jobs int) (int, error) {
	switch {
	case jobs > 0:
		return jobs, nil
	case jobs == 0:
		return math.MaxInt32 / 2, nil
	default:
		n, err := cpu.Counts(true)
		if err != nil {
			return 0, fmt.Errorf("counting logical cpus: %w", err)
		}
		if n < 1 {
			n = 1
		}
		frac := -jobs
		budget := (n + frac - 1) / frac
		if budget < 1 {
			budget = 1
		}
		return budget, nil
	}
}
