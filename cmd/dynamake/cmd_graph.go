package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// outStep mirrors one registered step for the printable/YAML tree, following
// the teacher's main.go toOutNode mirror-struct convention.
type outStep struct {
	Name     string   `yaml:"name"`
	Outputs  []string `yaml:"outputs"`
	Priority int      `yaml:"priority,omitempty"`
}

var flagGraphYAML bool

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the currently-loaded rule registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := buildOptions()
			eng, err := loadEngine(opts)
			if err != nil {
				return err
			}
			steps := eng.Registry.Steps()
			out := make([]outStep, len(steps))
			for i, s := range steps {
				patterns := make([]string, len(s.Outputs))
				for j, p := range s.Outputs {
					patterns[j] = p.String()
				}
				out[i] = outStep{Name: s.Name, Outputs: patterns, Priority: s.Priority}
			}

			if flagGraphYAML {
				data, err := yaml.Marshal(out)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			}
			for _, s := range out {
				fmt.Printf("%s (priority %d)\n", s.Name, s.Priority)
				for _, p := range s.Outputs {
					fmt.Printf("  -> %s\n", p)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagGraphYAML, "format-yaml", false, "print as YAML instead of text")
	return cmd
}
