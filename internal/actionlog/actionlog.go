// Package actionlog implements the persistent action log (C6): a
// per-step-instance record of the last successful execution's inputs,
// outputs, sub-step invocations, and action fingerprints, used by the
// up-to-date oracle (C8) to decide whether a step must rebuild.
//
// Records are YAML (spec.md §6), written via a temp-file-then-rename
// sequence (write to a temp file in the same directory, then os.Rename) to
// satisfy spec.md §5's atomic-replace requirement for persistent state.
package actionlog

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubStep identifies one sub-step instance invoked by a step, by name and
// resolved parameter bindings.
type SubStep struct {
	Step       string            `yaml:"step"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// Action is one executed external command's fingerprint: its phony-stripped
// argument vector plus timestamps.
type Action struct {
	Argv  []string `yaml:"argv"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

// Record is the full persistent log entry for one step instance.
type Record struct {
	Step       string            `yaml:"step"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
	Required   []string          `yaml:"required,omitempty"`
	Outputs    []string          `yaml:"outputs,omitempty"`
	SubSteps   []SubStep         `yaml:"sub_steps,omitempty"`
	Actions    []Action          `yaml:"actions,omitempty"`
	Config     map[string]string `yaml:"config,omitempty"`
}

// Store resolves and reads/writes Records under a state directory.
type Store struct {
	dir string
	ext string // file extension, e.g. "yaml"
}

// New returns a Store rooted at dir (spec.md §6's <state-dir>), default
// ".dynamake", overridable by DYNAMAKE_PERSISTENT_DIR.
func New(dir string) *Store {
	if dir == "" {
		dir = ".dynamake"
	}
	return &Store{dir: dir, ext: "yaml"}
}

// Path returns the file path for a step instance's record.
// Parameterless steps: <state-dir>/<name>.actions.<ext>
// Parameterized steps:  <state-dir>/<name>/<k1>=<v1>&...&<kn>=<vn>.actions.<ext>
func (s *Store) Path(stepName string, bindings map[string]string) string {
	if len(bindings) == 0 {
		return filepath.Join(s.dir, fmt.Sprintf("%s.actions.%s", stepName, s.ext))
	}
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(bindings[k]))
	}
	fname := strings.Join(parts, "&") + fmt.Sprintf(".actions.%s", s.ext)
	return filepath.Join(s.dir, stepName, fname)
}

// Load reads the record for a step instance. A missing file, or one that
// fails to parse (persistent-log corruption, spec.md §7), is reported as
// "never built" via ok == false.
func (s *Store) Load(stepName string, bindings map[string]string) (rec *Record, ok bool) {
	path := s.Path(stepName, bindings)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	return &r, true
}

// Save writes rec for a step instance, replacing any previous record
// atomically (write-temp-then-rename), per spec.md §5's persistent-state
// safety requirement.
func (s *Store) Save(stepName string, bindings map[string]string, rec *Record) error {
	path := s.Path(stepName, bindings)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("actionlog: creating directory for %s: %w", path, err)
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("actionlog: marshaling record for %s: %w", stepName, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".actionlog-tmp-*")
	if err != nil {
		return fmt.Errorf("actionlog: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("actionlog: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("actionlog: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("actionlog: renaming temp file into place: %w", err)
	}
	return nil
}

// StripPhony removes phony-annotated arguments from argv, computing the
// fingerprint form of an action's command line (spec.md §3: "Fingerprint =
// argument vector with all phony-annotated arguments stripped").
func StripPhony(argv []string, phony []bool) []string {
	out := make([]string, 0, len(argv))
	for i, a := range argv {
		if i < len(phony) && phony[i] {
			continue
		}
		out = append(out, a)
	}
	return out
}
