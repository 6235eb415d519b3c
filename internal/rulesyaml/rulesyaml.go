// Package rulesyaml loads a DynaMake module file (the `--module` flag,
// spec.md §6) from YAML and compiles it into rules.Step registrations.
//
// A module file is the declarative equivalent of hand-written step
// definitions: each entry names its output patterns, the patterns it
// requires (interpolated from the step's own captured bindings), its
// resource draw, and the argv lines to run. Argv tokens are substituted with
// Go's text/template against the step's captured bindings, following the
// teacher's cmd/devshell/dsl/template.go convention (missingkey=error, so a
// reference to an unbound capture name fails the step when its action is
// rendered, rather than yielding a silently empty string).
package rulesyaml

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"dynamake/internal/annotation"
	"dynamake/internal/params"
	"dynamake/internal/pattern"
	"dynamake/internal/rules"
)

// OutputDef is one declared output pattern and its annotation flags.
type OutputDef struct {
	Pattern string   `yaml:"pattern"`
	Flags   []string `yaml:"flags,omitempty"`
}

// RequireDef is one path this step requires, with its pattern interpolated
// from the step's own bindings.
type RequireDef struct {
	Pattern  string `yaml:"pattern"`
	Optional bool   `yaml:"optional,omitempty"`
	Exists   bool   `yaml:"exists,omitempty"`
}

// StepDef is one module-file step declaration.
type StepDef struct {
	Name      string         `yaml:"name"`
	Priority  int            `yaml:"priority,omitempty"`
	Outputs   []OutputDef    `yaml:"outputs"`
	Requires  []RequireDef   `yaml:"requires,omitempty"`
	Resources map[string]int `yaml:"resources,omitempty"`
	Actions   [][]string     `yaml:"actions,omitempty"`
}

// ParameterDef declares one user-visible build parameter (spec.md §4.8):
// a named, typed value a step body can read via StepContext.Param, folding
// its resolved value into that step's action fingerprint.
type ParameterDef struct {
	Name        string `yaml:"name"`
	Default     string `yaml:"default"`
	Description string `yaml:"description,omitempty"`
}

// ModuleFile is the top-level document: `dynamake --module <name>` resolves
// to one of these, loaded as YAML.
type ModuleFile struct {
	Parameters []ParameterDef `yaml:"parameters,omitempty"`
	Steps      []StepDef      `yaml:"steps"`
}

// Load reads and parses a module file.
func Load(path string) (*ModuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rulesyaml: reading module %s: %w", path, err)
	}
	var mf ModuleFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("rulesyaml: parsing module %s: %w", path, err)
	}
	return &mf, nil
}

// flagFor maps a module file's flag name to an annotation.Flag.
func flagFor(name string) (annotation.Flag, error) {
	switch name {
	case "optional":
		return annotation.Optional, nil
	case "exists":
		return annotation.Exists, nil
	case "precious":
		return annotation.Precious, nil
	case "phony":
		return annotation.Phony, nil
	case "emphasized":
		return annotation.Emphasized, nil
	default:
		return "", fmt.Errorf("rulesyaml: unknown annotation flag %q", name)
	}
}

// CompileParameters registers every module-declared parameter with store, so
// step bodies compiled from the same module file can resolve them via
// StepContext.Param.
func CompileParameters(mf *ModuleFile, store *params.Store) error {
	for _, pd := range mf.Parameters {
		if err := store.Register(params.Definition{
			Name:        pd.Name,
			Default:     pd.Default,
			Description: pd.Description,
		}); err != nil {
			return fmt.Errorf("rulesyaml: parameter %q: %w", pd.Name, err)
		}
	}
	return nil
}

// Compile turns a ModuleFile into rules.Step values and registers them.
func Compile(mf *ModuleFile, reg *rules.Registry) error {
	for _, sd := range mf.Steps {
		step, err := compileStep(sd)
		if err != nil {
			return fmt.Errorf("rulesyaml: step %q: %w", sd.Name, err)
		}
		if err := reg.Register(step); err != nil {
			return fmt.Errorf("rulesyaml: step %q: %w", sd.Name, err)
		}
	}
	return nil
}

func compileStep(sd StepDef) (*rules.Step, error) {
	if sd.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if len(sd.Outputs) == 0 {
		return nil, fmt.Errorf("declares no outputs")
	}

	outputs := make([]*pattern.Pattern, len(sd.Outputs))
	flagSets := make([]annotation.Set, len(sd.Outputs))
	for i, od := range sd.Outputs {
		p, err := pattern.Parse(od.Pattern)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		outputs[i] = p
		var flags []annotation.Flag
		for _, name := range od.Flags {
			f, err := flagFor(name)
			if err != nil {
				return nil, err
			}
			flags = append(flags, f)
		}
		flagSets[i] = annotation.New(flags...)
	}

	requires := make([]*pattern.Pattern, len(sd.Requires))
	for i, rd := range sd.Requires {
		p, err := pattern.Parse(rd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("requires %d: %w", i, err)
		}
		requires[i] = p
	}

	step := &rules.Step{
		Name:             sd.Name,
		Outputs:          outputs,
		OutputFlags:      flagSets,
		Priority:         sd.Priority,
		DefaultResources: sd.Resources,
	}

	step.Factory = func(bindings map[string]string) rules.StepFunc {
		return func(ctx rules.StepContext) error {
			annotated := make([]rules.Annotated, len(requires))
			for i, p := range requires {
				rendered, err := pattern.Format(p, bindings)
				if err != nil {
					return fmt.Errorf("rendering require %d: %w", i, err)
				}
				annotated[i] = rules.Annotated{
					Path:     rendered,
					Optional: sd.Requires[i].Optional,
					Exists:   sd.Requires[i].Exists,
				}
			}
			if len(annotated) > 0 {
				if err := ctx.RequireAnnotated(annotated...); err != nil {
					return err
				}
			}
			if err := ctx.Sync(); err != nil {
				return err
			}
			for i, action := range sd.Actions {
				argv := make([]string, len(action))
				for j, tok := range action {
					rendered, err := substitute(tok, bindings)
					if err != nil {
						return fmt.Errorf("action %d token %d: %w", i, j, err)
					}
					argv[j] = rendered
				}
				if err := ctx.Shell(argv, sd.Resources); err != nil {
					return err
				}
			}
			return nil
		}
	}

	return step, nil
}

// substitute applies Go template substitution to s using bindings as the
// template's dot-context, mirroring the teacher's substituteString but
// templating directly against captured bindings (DynaMake has no
// cross-step stdout references to escape).
func substitute(s string, bindings map[string]string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	t, err := template.New("").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("template parse error in %q: %w", s, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, bindings); err != nil {
		return "", fmt.Errorf("template execute error in %q: %w", s, err)
	}
	return buf.String(), nil
}
