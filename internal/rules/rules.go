// Package rules implements the rule registry (C5): an index of registered
// steps keyed by output pattern, with priority tiers and the uniqueness
// check that at most one step may claim any concrete path at the top tier.
package rules

import (
	"fmt"
	"sort"

	"dynamake/internal/annotation"
	"dynamake/internal/pattern"
)

// StepContext is the handle a step body uses to talk back to the scheduler:
// issuing further requires, waiting on a sync barrier, and running external
// actions. It replaces the source's ambient "current step" context (design
// notes §9) with an explicit parameter threaded through the step body.
type StepContext interface {
	// Require resolves each path to a step instance, enqueuing it if not
	// already seen, and adds it to this step's pending-required set.
	// Require does not block.
	Require(paths ...string) error
	// RequireAnnotated is Require for paths carrying annotations (optional,
	// exists, ...).
	RequireAnnotated(paths ...Annotated) error
	// Sync blocks until every entry in the pending-required set reaches a
	// terminal state, returning an error if any non-optional prerequisite
	// failed.
	Sync() error
	// Shell runs args as an external command (argv[0] is resolved via PATH),
	// reserving the named resources for its duration. Implies a Sync first.
	Shell(argv []string, resources map[string]int) error
	// Input returns the i'th resolved required path of this step instance.
	Input(i int) (string, error)
	// Output returns the i'th resolved output path of this step instance.
	Output(i int) (string, error)
	// Param resolves a registered parameter and folds it into this step
	// instance's action fingerprint.
	Param(name string) (string, error)
	// Bindings returns the captured parameter values bound to this step
	// instance from the path that triggered it.
	Bindings() map[string]string
}

// Annotated pairs a path with the annotation flags (optional, exists, ...)
// declared at the require site.
type Annotated struct {
	Path     string
	Optional bool
	Exists   bool
}

// StepFunc is a step instance's coroutine body.
type StepFunc func(ctx StepContext) error

// Factory builds a StepFunc closure bound to the given captured bindings.
type Factory func(bindings map[string]string) StepFunc

// Step is a registered unit of build logic.
type Step struct {
	Name     string
	Outputs  []*pattern.Pattern
	// OutputFlags carries the declared annotation.Set for each entry of
	// Outputs (same index), e.g. phony or precious. Nil entries mean no
	// flags. May be left nil entirely if no output of this step is annotated.
	OutputFlags      []annotation.Set
	Priority         int
	Factory          Factory
	DefaultResources map[string]int
}

// FlagsFor returns the declared annotation.Set for Outputs[i], or the zero
// Set if OutputFlags was not populated for this step.
func (s *Step) FlagsFor(i int) annotation.Set {
	if i < len(s.OutputFlags) {
		return s.OutputFlags[i]
	}
	return nil
}

// validate checks the invariant that every output pattern of a step
// declares exactly the same set of capturing parameter names.
func (s *Step) validate() error {
	if s.Name == "" {
		return fmt.Errorf("rules: step has no name")
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("rules: step %q declares no output patterns", s.Name)
	}
	first := s.Outputs[0]
	for _, o := range s.Outputs[1:] {
		if !pattern.SameCaptureSet(first, o) {
			return fmt.Errorf("rules: step %q: output patterns %q and %q disagree on capturing parameter names",
				s.Name, first.String(), o.String())
		}
	}
	return nil
}

// candidate is one (step, output pattern) pairing considered for a path.
type candidate struct {
	step *Step
	out  *pattern.Pattern
}

// Registry indexes registered steps for path resolution.
type Registry struct {
	steps []*Step
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a step to the registry.
func (r *Registry) Register(s *Step) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.steps = append(r.steps, s)
	return nil
}

// Resolution is the outcome of resolving a concrete path: the step and the
// bindings extracted from the path (empty for parameterless steps).
type Resolution struct {
	Step     *Step
	Bindings map[string]string
}

// ErrAmbiguous is returned when more than one step at the top priority tier
// claims the same concrete path — a fatal configuration error (spec.md §4.3).
type ErrAmbiguous struct {
	Path  string
	Names []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("rules: ambiguous rule for %q: steps %v tie at the highest priority tier", e.Path, e.Names)
}

// ErrNoRule is returned when no registered step claims path and it does not
// exist on disk either.
type ErrNoRule struct{ Path string }

func (e *ErrNoRule) Error() string {
	return fmt.Sprintf("rules: no rule to make target %q", e.Path)
}

// Steps returns every registered step, in registration order, for read-only
// introspection (`dynamake graph`, `dynamake clean`).
func (r *Registry) Steps() []*Step {
	out := make([]*Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Resolve implements the C5 algorithm: gather every step whose some output
// pattern matches path, restrict to the highest priority tier, and fail on
// ties. exists reports whether path is present on disk (used for the
// "source file" fallback when no step claims it).
func (r *Registry) Resolve(path string, exists bool) (*Resolution, error) {
	var candidates []candidate
	for _, s := range r.steps {
		for _, out := range s.Outputs {
			bindings, ok, err := pattern.Match(out, path, nil)
			if err != nil {
				return nil, err
			}
			if ok {
				candidates = append(candidates, candidate{step: s, out: out})
				_ = bindings
				break // one matching output pattern per step is enough to nominate it
			}
		}
	}

	if len(candidates) == 0 {
		if exists {
			return nil, nil // source file: no step instance
		}
		return nil, &ErrNoRule{Path: path}
	}

	top := candidates[0].step.Priority
	for _, c := range candidates {
		if c.step.Priority > top {
			top = c.step.Priority
		}
	}
	var tier []candidate
	for _, c := range candidates {
		if c.step.Priority == top {
			tier = append(tier, c)
		}
	}

	if len(tier) > 1 {
		names := make([]string, len(tier))
		for i, c := range tier {
			names[i] = c.step.Name
		}
		sort.Strings(names)
		return nil, &ErrAmbiguous{Path: path, Names: dedupe(names)}
	}

	winner := tier[0]
	bindings, _, err := pattern.Match(winner.out, path, nil)
	if err != nil {
		return nil, err
	}
	return &Resolution{Step: winner.step, Bindings: bindings}, nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
