package main

import (
	"fmt"

	"github.com/ktr0731/go-fuzzyfinder"
	"github.com/spf13/cobra"

	"dynamake/internal/rules"
)

// newPickCommand adapts the teacher's tcpo fuzzyfinder.Find selection UX
// (fuzzy-pick one row of a slice, print its details) to the rule registry:
// fuzzy-select one registered step and print the patterns it claims.
func newPickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pick",
		Short: "Fuzzy-select a registered step and print its output patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := buildOptions()
			eng, err := loadEngine(opts)
			if err != nil {
				return err
			}

			steps := eng.Registry.Steps()
			if len(steps) == 0 {
				fmt.Println("pick: no steps registered")
				return nil
			}

			idx, err := fuzzyfinder.Find(
				steps,
				func(i int) string { return fmt.Sprintf("%s (priority %d)", steps[i].Name, steps[i].Priority) },
				fuzzyfinder.WithPromptString("Select a step: "),
			)
			if err != nil {
				if err == fuzzyfinder.ErrAbort {
					fmt.Println("pick: selection cancelled")
					return nil
				}
				return fmt.Errorf("dynamake: pick: %w", err)
			}

			printStep(steps[idx])
			return nil
		},
	}
}

func printStep(s *rules.Step) {
	fmt.Printf("%s (priority %d)\n", s.Name, s.Priority)
	for i, p := range s.Outputs {
		fmt.Printf("  -> %s %v\n", p.String(), s.FlagsFor(i).Sorted())
	}
}
