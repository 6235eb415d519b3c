// Package configfile loads the `--config` flag's file (spec.md §6) into a
// flat string map suitable for params.Store.AddLayer. Both YAML and TOML are
// accepted, dispatched on file extension, following the teacher's
// devshell/config.go convention of supporting more than one serialization
// for the same document shape.
package configfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads path and returns its top-level keys as strings. Non-string
// scalars (numbers, bools) are rendered with fmt.Sprint so they can flow
// through params.Store's string-typed layers unchanged.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configfile: reading %s: %w", path, err)
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("configfile: parsing %s as TOML: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("configfile: parsing %s as YAML: %w", path, err)
		}
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}
