package scheduler

import (
	"fmt"
	"time"

	"dynamake/internal/actionlog"
	"dynamake/internal/annotation"
	"dynamake/internal/oracle"
	"dynamake/internal/pattern"
	"dynamake/internal/rules"
	"dynamake/internal/runner"
	"dynamake/internal/statcache"
)

// runnerRequestFor builds a runner.Request for one Shell invocation. The
// InputMtimeFloor is max(mtime) across every non-`exists` input, one
// nanosecond later, so --touch_success_outputs (spec.md §4.7 step 5) never
// produces an output mtime older than an input's.
func runnerRequestFor(stepInstance string, argv []string, inputs, outputs []annotation.Path, cache *statcache.Cache) runner.Request {
	return runner.Request{
		StepInstance:    stepInstance,
		Argv:            argv,
		Outputs:         outputs,
		InputMtimeFloor: inputMtimeFloor(inputs, cache),
	}
}

// inputMtimeFloor returns one nanosecond past the latest mtime among inputs
// that don't carry the `exists` annotation (which only checks existence, not
// mtime, per spec.md's annotation model), or the zero Time if none apply.
func inputMtimeFloor(inputs []annotation.Path, cache *statcache.Cache) time.Time {
	var floor time.Time
	for _, in := range inputs {
		if in.Has(annotation.Exists) {
			continue
		}
		info := cache.Stat(in.Value)
		if !info.Exists {
			continue
		}
		if floor.IsZero() || info.ModAt.After(floor) {
			floor = info.ModAt
		}
	}
	if floor.IsZero() {
		return floor
	}
	return floor.Add(time.Nanosecond)
}

// globPattern interpolates bindings into pat's `{name}` holes, then globs the
// result against the filesystem, returning every concrete match whose
// captured values agree with bindings.
func globPattern(pat *pattern.Pattern, bindings map[string]string) ([]pattern.GlobMatch, error) {
	ip, err := pattern.Interpolate(pat, bindings)
	if err != nil {
		return nil, err
	}
	matches, err := pattern.Glob(ip, ".")
	if err != nil {
		return nil, err
	}
	own := matches[:0]
	for _, m := range matches {
		keep := true
		for k, v := range m.Bindings {
			if b, ok := bindings[k]; ok && b != v {
				keep = false
				break
			}
		}
		if keep {
			own = append(own, m)
		}
	}
	return own, nil
}

// stepContext is the concrete rules.StepContext handed to a step instance's
// coroutine body.
type stepContext struct {
	engine *Engine
	inst   *instance
}

var _ rules.StepContext = (*stepContext)(nil)

func (c *stepContext) Require(paths ...string) error {
	annotated := make([]rules.Annotated, len(paths))
	for i, p := range paths {
		annotated[i] = rules.Annotated{Path: p}
	}
	return c.RequireAnnotated(annotated...)
}

func (c *stepContext) RequireAnnotated(paths ...rules.Annotated) error {
	for _, p := range paths {
		inst, err := c.engine.getOrStart(p.Path)
		if err != nil {
			if p.Optional {
				continue
			}
			return fmt.Errorf("scheduler: step %s: requiring %s: %w", c.inst.step.Name, p.Path, err)
		}
		c.inst.mu.Lock()
		c.inst.pending = append(c.inst.pending, pendingReq{
			path:     p.Path,
			optional: p.Optional,
			exists:   p.Exists,
			isSource: inst == nil,
			resolved: inst,
		})
		c.inst.mu.Unlock()
	}
	return nil
}

func (c *stepContext) Sync() error {
	c.inst.mu.Lock()
	pending := c.inst.pending
	c.inst.pending = nil
	c.inst.mu.Unlock()

	var firstErr error
	for _, p := range pending {
		if !p.isSource {
			<-p.resolved.done
			p.resolved.mu.Lock()
			failed := p.resolved.st == stateFailed
			subErr := p.resolved.err
			p.resolved.mu.Unlock()
			if failed && !p.optional && firstErr == nil {
				firstErr = fmt.Errorf("scheduler: step %s: required step %s failed: %w",
					c.inst.step.Name, p.resolved.step.Name, subErr)
			}
			c.inst.mu.Lock()
			c.inst.subSteps = append(c.inst.subSteps, actionlog.SubStep{
				Step:       p.resolved.step.Name,
				Parameters: p.resolved.bindings,
			})
			c.inst.mu.Unlock()
		}

		flags := annotation.New()
		if p.optional {
			flags = flags.With(annotation.Optional)
		}
		if p.exists {
			flags = flags.With(annotation.Exists)
		}
		c.inst.mu.Lock()
		c.inst.required = append(c.inst.required, annotation.Path{Value: p.path, Flags: flags})
		c.inst.mu.Unlock()
	}

	if firstErr != nil && c.engine.Config.FailureAbortsBuild {
		return firstErr
	}

	// Re-evaluate the oracle decision: newly resolved inputs may flip a prior
	// skip decision to must-run (the restart rule, spec.md §4.5).
	c.inst.mu.Lock()
	if c.inst.mustDecided && !c.inst.mustRun {
		decision := c.engine.decide(c.inst)
		if decision.MustRun {
			c.inst.mu.Unlock()
			return errRestart
		}
	}
	c.inst.mu.Unlock()

	return firstErr
}

func (c *stepContext) Shell(argv []string, resourceReq map[string]int) error {
	if err := c.Sync(); err != nil {
		return err
	}

	c.inst.mu.Lock()
	if !c.inst.mustDecided {
		decision := c.engine.decide(c.inst)
		c.inst.mustRun = decision.MustRun
		c.inst.mustDecided = true
	}
	mustRun := c.inst.mustRun
	c.inst.mu.Unlock()

	fingerprint := actionlog.StripPhony(argv, nil)

	if !mustRun {
		if c.engine.Config.LogSkippedActions && c.engine.Runner.Sink != nil {
			c.engine.Runner.Sink.Line(c.inst.key, "info", fmt.Sprintf("skip: %v", argv))
		}
		return nil
	}

	req := c.resources(resourceReq)
	release, err := c.engine.Pool.Reserve(req)
	if err != nil {
		return fmt.Errorf("scheduler: step %s: %w", c.inst.step.Name, err)
	}
	defer release()

	outputs := c.engine.resolvedOutputs(c.inst)
	anyPhony := false
	for i := range c.inst.step.Outputs {
		if c.inst.step.FlagsFor(i).Has(annotation.Phony) {
			anyPhony = true
		}
	}

	c.inst.mu.Lock()
	inputs := append([]annotation.Path(nil), c.inst.required...)
	c.inst.mu.Unlock()

	result, runErr := c.engine.Runner.Run(runnerRequestFor(c.inst.key, argv, inputs, outputs, c.engine.Cache))
	c.inst.mu.Lock()
	c.inst.actions = append(c.inst.actions, actionlog.Action{
		Argv:  fingerprint,
		Start: result.Start.Format(timeFormat),
		End:   result.End.Format(timeFormat),
	})
	c.inst.fingerprints = append(c.inst.fingerprints, fingerprint)
	c.inst.mu.Unlock()

	_ = anyPhony
	if runErr != nil {
		return fmt.Errorf("scheduler: step %s: %w", c.inst.step.Name, runErr)
	}
	return nil
}

// resources merges the step's declared default resource consumption with an
// explicit per-call override (override wins per resource name).
func (c *stepContext) resources(override map[string]int) map[string]int {
	merged := map[string]int{}
	for k, v := range c.inst.step.DefaultResources {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func (c *stepContext) Input(i int) (string, error) {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	if i < 0 || i >= len(c.inst.required) {
		return "", fmt.Errorf("scheduler: step %s: input index %d out of range (%d required so far)",
			c.inst.step.Name, i, len(c.inst.required))
	}
	return c.inst.required[i].Value, nil
}

func (c *stepContext) Output(i int) (string, error) {
	outputs := c.engine.resolvedOutputs(c.inst)
	if i < 0 || i >= len(outputs) {
		return "", fmt.Errorf("scheduler: step %s: output index %d out of range (%d resolved)",
			c.inst.step.Name, i, len(outputs))
	}
	return outputs[i].Value, nil
}

func (c *stepContext) Param(name string) (string, error) {
	v, err := c.engine.Params.Value(name, c.inst)
	if err != nil {
		return "", fmt.Errorf("scheduler: step %s: param %s: %w", c.inst.step.Name, name, err)
	}
	return v, nil
}

func (c *stepContext) Bindings() map[string]string {
	out := make(map[string]string, len(c.inst.bindings))
	for k, v := range c.inst.bindings {
		out[k] = v
	}
	return out
}

// decide runs the up-to-date oracle against this instance's accumulated
// state so far. Caller must hold inst.mu.
func (e *Engine) decide(inst *instance) oracle.Decision {
	anyPhony := false
	for i := range inst.step.Outputs {
		if inst.step.FlagsFor(i).Has(annotation.Phony) {
			anyPhony = true
			break
		}
	}
	d := oracle.Decide(oracle.Candidate{
		StepName:              inst.step.Name,
		Bindings:               inst.bindings,
		Inputs:                 inst.required,
		Outputs:                e.resolvedOutputsLocked(inst),
		AnyOutputPhony:         anyPhony,
		SubSteps:               inst.subSteps,
		ActionFingerprints:     inst.fingerprints,
		RebuildChangedActions: e.Config.RebuildChangedActions,
	}, e.Cache, e.Store)
	if d.MustRun {
		return d
	}
	// Parameter values read so far count as part of the action fingerprint.
	if rec, ok := e.Store.Load(inst.step.Name, inst.bindings); ok {
		for name, v := range inst.recordedParams {
			if recorded, had := rec.Config[name]; !had || recorded != v {
				return oracle.Decision{MustRun: true, Reason: oracle.ReasonRecordChanged}
			}
		}
	}
	return d
}

// resolvedOutputsLocked is resolvedOutputs for use while inst.mu is already
// held; it only touches immutable fields (step, bindings), so no
// further locking is required.
func (e *Engine) resolvedOutputsLocked(inst *instance) []annotation.Path {
	return e.resolvedOutputs(inst)
}

const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
