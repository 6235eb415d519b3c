// Package oracle implements the up-to-date oracle (C8): the must_run
// decision described in spec.md §4.5, short-circuiting through six ordered
// rules using the stat cache, the persistent action log, and annotations.
package oracle

import (
	"reflect"
	"time"

	"dynamake/internal/actionlog"
	"dynamake/internal/annotation"
	"dynamake/internal/statcache"
)

// Reason names which of the six rules fired, surfaced by `dynamake why`
// (SPEC_FULL.md §12). No --log-level prints it during a build.
type Reason string

const (
	ReasonPhony          Reason = "phony output"
	ReasonNeverBuilt     Reason = "no persistent record (rebuild_changed_actions)"
	ReasonRecordChanged  Reason = "persistent record differs (inputs/outputs/sub-steps/actions)"
	ReasonOutputMissing  Reason = "a resolved output is missing"
	ReasonInputNewer     Reason = "an input is newer than a resolved output"
	ReasonUpToDate       Reason = "up to date"
)

// Decision is the outcome of evaluating a candidate step instance.
type Decision struct {
	MustRun bool
	Reason  Reason
}

// Candidate describes everything the oracle needs to evaluate one step
// instance.
type Candidate struct {
	StepName             string
	Bindings             map[string]string
	Inputs               []annotation.Path
	Outputs              []annotation.Path // declared output patterns' resolved concrete paths
	AnyOutputPhony       bool
	SubSteps             []actionlog.SubStep
	ActionFingerprints   [][]string
	RebuildChangedActions bool
}

// Decide evaluates the six ordered rules from spec.md §4.5.
func Decide(c Candidate, cache *statcache.Cache, log *actionlog.Store) Decision {
	// Rule 1: any output pattern is phony.
	if c.AnyOutputPhony {
		return Decision{MustRun: true, Reason: ReasonPhony}
	}

	rec, ok := log.Load(c.StepName, c.Bindings)

	// Rule 2: log absent and rebuild_changed_actions enabled.
	if !ok {
		if c.RebuildChangedActions {
			return Decision{MustRun: true, Reason: ReasonNeverBuilt}
		}
		// rebuild_changed_actions disabled: fall through to timestamp rules
		// with no prior record to compare against (§9 open question: this
		// combination is underspecified upstream; we choose to still permit
		// rules 4/5 to decide, documented in DESIGN.md).
	}

	resolvedInputs := pathValues(c.Inputs)
	resolvedOutputs := pathValues(c.Outputs)

	// Rule 3: persistent record differs in resolved inputs/outputs/sub-steps/
	// action fingerprints.
	if ok {
		if !stringSlicesEqual(rec.Required, resolvedInputs) ||
			!stringSlicesEqual(rec.Outputs, resolvedOutputs) ||
			!subStepsEqual(rec.SubSteps, c.SubSteps) ||
			!fingerprintsEqual(rec.Actions, c.ActionFingerprints) {
			return Decision{MustRun: true, Reason: ReasonRecordChanged}
		}
	}

	// Rule 4: any resolved non-exists output is missing.
	for _, o := range c.Outputs {
		if o.Has(annotation.Exists) {
			continue
		}
		if !cache.Stat(o.Value).Exists {
			return Decision{MustRun: true, Reason: ReasonOutputMissing}
		}
	}

	// Rule 5: any non-exists input's mtime is strictly newer than any
	// non-exists resolved output's mtime.
	var latestInput time.Time
	haveInput := false
	for _, in := range c.Inputs {
		if in.Has(annotation.Exists) {
			continue
		}
		info := cache.Stat(in.Value)
		if !info.Exists {
			continue
		}
		haveInput = true
		if info.ModAt.After(latestInput) {
			latestInput = info.ModAt
		}
	}
	if haveInput {
		for _, o := range c.Outputs {
			if o.Has(annotation.Exists) {
				continue
			}
			info := cache.Stat(o.Value)
			if info.Exists && latestInput.After(info.ModAt) {
				return Decision{MustRun: true, Reason: ReasonInputNewer}
			}
		}
	}

	return Decision{MustRun: false, Reason: ReasonUpToDate}
}

// PhonyMtime computes the synthetic mtime assigned to a phony output:
// max(input mtime) + 1ns, so dependents are not forced to rebuild unless a
// real input changed.
func PhonyMtime(inputs []annotation.Path, cache *statcache.Cache) time.Time {
	var latest time.Time
	for _, in := range inputs {
		info := cache.Stat(in.Value)
		if info.Exists && info.ModAt.After(latest) {
			latest = info.ModAt
		}
	}
	return latest.Add(time.Nanosecond)
}

func pathValues(paths []annotation.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Value
	}
	return out
}

func stringSlicesEqual(a, b []string) bool {
	return reflect.DeepEqual(a, b)
}

func subStepsEqual(a, b []actionlog.SubStep) bool {
	return reflect.DeepEqual(a, b)
}

func fingerprintsEqual(recorded []actionlog.Action, current [][]string) bool {
	if len(recorded) != len(current) {
		return false
	}
	for i, a := range recorded {
		if !reflect.DeepEqual(a.Argv, current[i]) {
			return false
		}
	}
	return true
}
