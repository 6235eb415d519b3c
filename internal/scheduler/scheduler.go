// Package scheduler implements the step executor (C7): the single-threaded
// cooperative runtime that drives step coroutines, honoring require/sync
// barriers and resource admission, while external actions run concurrently
// as OS processes (spec.md §4.6/§5).
//
// Go has no stackful coroutines, so each step instance's body runs on its own
// goroutine (design notes §9: "a bespoke cooperative scheduler... step bodies
// become state machines yielding at each sync/shell/spawn"). These goroutines
// run concurrently. The instance table and failure state are guarded by the
// Engine's mutex; each instance's own bookkeeping (pending-required set,
// inputs, actions) is guarded by that instance's mutex.
package scheduler

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"dynamake/internal/actionlog"
	"dynamake/internal/annotation"
	"dynamake/internal/params"
	"dynamake/internal/resources"
	"dynamake/internal/rules"
	"dynamake/internal/runner"
	"dynamake/internal/statcache"
)

// errRestart is returned by StepContext methods to unwind a step's coroutine
// body when the oracle's decision flips from skip to must-run mid-pass (the
// "restart rule", spec.md §4.5). Engine catches it and re-enters the step's
// Factory from the beginning. Step bodies must be idempotent, per spec.
var errRestart = errors.New("scheduler: step instance restarting")

// Config bundles the engine-wide switches from spec.md §6.
type Config struct {
	FailureAbortsBuild    bool
	RebuildChangedActions bool
	LogSkippedActions     bool
}

// state is a step instance's lifecycle stage (spec.md §3 "Lifecycle").
type state int

const (
	statePending state = iota
	stateRunning
	stateCompleted
	stateFailed
)

// instance is one (step, bindings) pair: exactly the data model's "step
// instance".
type instance struct {
	key      string
	step     *rules.Step
	bindings map[string]string

	mu    sync.Mutex
	st    state
	err   error
	done  chan struct{}

	// accumulated over one attempt (cleared by resetAttempt on restart)
	required []annotation.Path
	subSteps []actionlog.SubStep
	actions  []actionlog.Action
	fingerprints [][]string
	recordedParams map[string]string

	// per-attempt (reset on restart)
	pending     []pendingReq
	mustDecided bool
	mustRun     bool
	wantsRestart bool
}

type pendingReq struct {
	path     string
	optional bool
	exists   bool
	isSource bool
	resolved *instance // nil for source files
}

func newInstance(key string, step *rules.Step, bindings map[string]string) *instance {
	return &instance{
		key:            key,
		step:           step,
		bindings:       bindings,
		done:           make(chan struct{}),
		recordedParams: map[string]string{},
	}
}

func (i *instance) resetAttempt() {
	i.pending = nil
	i.mustDecided = false
	i.mustRun = false
	i.wantsRestart = false
	i.required = nil
	i.subSteps = nil
	i.actions = nil
	i.fingerprints = nil
	i.recordedParams = map[string]string{}
}

// RecordParam implements params.AccessRecorder.
func (i *instance) RecordParam(name, value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recordedParams[name] = value
}

// Engine is the scheduler (C7): it owns the instance table and drives
// requires, syncs, and actions.
type Engine struct {
	Registry *rules.Registry
	Store    *actionlog.Store
	Cache    *statcache.Cache
	Pool     *resources.Pool
	Params   *params.Store
	Runner   *runner.Runner
	Config   Config

	mu        sync.Mutex
	instances map[string]*instance
	failed    bool
	firstErr  error
	wg        sync.WaitGroup
}

// New returns an Engine wired to its collaborators.
func New(reg *rules.Registry, store *actionlog.Store, cache *statcache.Cache, pool *resources.Pool, ps *params.Store, run *runner.Runner, cfg Config) *Engine {
	return &Engine{
		Registry:  reg,
		Store:     store,
		Cache:     cache,
		Pool:      pool,
		Params:    ps,
		Runner:    run,
		Config:    cfg,
		instances: make(map[string]*instance),
	}
}

// instanceKey returns a deterministic identity for a (step, bindings) pair,
// independent of binding insertion order.
func instanceKey(stepName string, bindings map[string]string) string {
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(stepName)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(bindings[k])
	}
	return b.String()
}

// getOrStart resolves path to a step instance, creating and starting it
// lazily if this is the first time it has been seen. It returns nil with no
// error if path resolves to a source file (exists on disk, no step claims
// it).
func (e *Engine) getOrStart(path string) (*instance, error) {
	exists := e.Cache.Stat(path).Exists
	res, err := e.Registry.Resolve(path, exists)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil // source file
	}

	key := instanceKey(res.Step.Name, res.Bindings)

	e.mu.Lock()
	if inst, ok := e.instances[key]; ok {
		e.mu.Unlock()
		return inst, nil
	}
	inst := newInstance(key, res.Step, res.Bindings)
	e.instances[key] = inst
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(inst)
	return inst, nil
}

// Require is the top-level entry point (equivalent to a step's Require, but
// callable before any step exists, e.g. from main()). It blocks until the
// named path's step instance (if any) completes.
func (e *Engine) Require(path string) error {
	inst, err := e.getOrStart(path)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	<-inst.done
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.st == stateFailed {
		return inst.err
	}
	return nil
}

// Wait blocks until the engine has drained all step instances started so
// far (used after the top-level requires, before reporting a final exit
// status).
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Failed reports whether any step instance has failed.
func (e *Engine) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// FirstError returns the first step-instance failure observed by the
// engine, or nil if none occurred.
func (e *Engine) FirstError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstErr
}

func (e *Engine) recordFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.failed {
		e.failed = true
		e.firstErr = err
	}
}

// run drives one instance's coroutine body, handling restarts.
func (e *Engine) run(inst *instance) {
	defer e.wg.Done()

	inst.mu.Lock()
	inst.st = stateRunning
	inst.mu.Unlock()

	const maxRestarts = 8
	var finalErr error
	for attempt := 0; attempt < maxRestarts; attempt++ {
		inst.resetAttempt()
		if attempt > 0 {
			// A restarted pass runs every action without consulting the oracle.
			inst.mustDecided, inst.mustRun = true, true
		}
		ctx := &stepContext{engine: e, inst: inst}
		body := inst.step.Factory(inst.bindings)
		err := body(ctx)
		if errors.Is(err, errRestart) {
			continue
		}
		finalErr = err
		break
	}

	inst.mu.Lock()
	if finalErr != nil {
		inst.st = stateFailed
		inst.err = finalErr
	} else {
		inst.st = stateCompleted
		e.persist(inst)
	}
	inst.mu.Unlock()

	if finalErr != nil {
		e.recordFailure(finalErr)
	}
	close(inst.done)
}

// persist writes the successful step instance's record to the action log
// (spec.md §4.4: write on success, leave prior record intact on failure).
func (e *Engine) persist(inst *instance) {
	rec := &actionlog.Record{
		Step:       inst.step.Name,
		Parameters: inst.bindings,
		SubSteps:   inst.subSteps,
		Actions:    inst.actions,
		Config:     inst.recordedParams,
	}
	for _, p := range inst.required {
		rec.Required = append(rec.Required, p.Value)
	}
	for _, out := range e.resolvedOutputs(inst) {
		rec.Outputs = append(rec.Outputs, out.Value)
	}
	_ = e.Store.Save(inst.step.Name, inst.bindings, rec)
}

// resolvedOutputs globs every declared output pattern of a step instance
// against the filesystem, after substituting its bindings as the
// interpolation/capture environment, and returns the matches in declared-
// pattern order, then lexicographic path order within each pattern.
func (e *Engine) resolvedOutputs(inst *instance) []annotation.Path {
	var out []annotation.Path
	for idx, pat := range inst.step.Outputs {
		matches, err := globPattern(pat, inst.bindings)
		if err != nil {
			continue
		}
		flags := inst.step.FlagsFor(idx)
		for _, m := range matches {
			out = append(out, annotation.Path{Value: m.Path, Flags: flags})
		}
	}
	return out
}

// timeNow is overridable by tests.
var timeNow = time.Now

// InstanceStatus is a read-only snapshot of one step instance's lifecycle
// stage, for interactive progress views (`dynamake watch`).
type InstanceStatus struct {
	StepName string
	Bindings map[string]string
	State    string // "pending", "running", "completed", "failed"
}

var stateNames = map[state]string{
	statePending:   "pending",
	stateRunning:   "running",
	stateCompleted: "completed",
	stateFailed:    "failed",
}

// Snapshot returns the current state of every step instance the engine has
// started so far, in no particular order. Safe to call concurrently with a
// running build.
func (e *Engine) Snapshot() []InstanceStatus {
	e.mu.Lock()
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	out := make([]InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		out = append(out, InstanceStatus{
			StepName: inst.step.Name,
			Bindings: inst.bindings,
			State:    stateNames[inst.st],
		})
		inst.mu.Unlock()
	}
	return out
}
