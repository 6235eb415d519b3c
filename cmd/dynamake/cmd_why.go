package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dynamake/internal/actionlog"
	"dynamake/internal/annotation"
	"dynamake/internal/oracle"
	"dynamake/internal/pattern"
)

func newWhyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "why <path>",
		Short: "Explain the up-to-date oracle's decision for a single path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			opts := buildOptions()
			eng, err := loadEngine(opts)
			if err != nil {
				return err
			}

			exists := eng.Cache.Stat(path).Exists
			res, err := eng.Registry.Resolve(path, exists)
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Printf("%s: source file, no rule claims it\n", path)
				return nil
			}

			anyPhony := false
			for i := range res.Step.Outputs {
				if res.Step.FlagsFor(i).Has(annotation.Phony) {
					anyPhony = true
				}
			}

			// Reconstruct inputs/sub-steps/action fingerprints from the last
			// successful persistent record, if one exists: "why" reasons
			// without re-running the step's body, so it can only see what a
			// prior build recorded.
			var inputs []annotation.Path
			var subSteps []actionlog.SubStep
			var fingerprints [][]string
			if rec, ok := eng.Store.Load(res.Step.Name, res.Bindings); ok {
				for _, r := range rec.Required {
					inputs = append(inputs, annotation.Plain(r))
				}
				subSteps = rec.SubSteps
				for _, a := range rec.Actions {
					fingerprints = append(fingerprints, a.Argv)
				}
			}

			var outputs []annotation.Path
			for idx, pat := range res.Step.Outputs {
				ip, err := pattern.Interpolate(pat, res.Bindings)
				if err != nil {
					continue
				}
				matches, err := pattern.Glob(ip, ".")
				if err != nil {
					continue
				}
				flags := res.Step.FlagsFor(idx)
				for _, m := range matches {
					outputs = append(outputs, annotation.Path{Value: m.Path, Flags: flags})
				}
			}

			decision := oracle.Decide(oracle.Candidate{
				StepName:              res.Step.Name,
				Bindings:              res.Bindings,
				Inputs:                inputs,
				Outputs:               outputs,
				AnyOutputPhony:        anyPhony,
				SubSteps:              subSteps,
				ActionFingerprints:    fingerprints,
				RebuildChangedActions: opts.RebuildChangedActions,
			}, eng.Cache, eng.Store)

			fmt.Printf("%s: step=%s must_run=%v reason=%q\n", path, res.Step.Name, decision.MustRun, decision.Reason)
			return nil
		},
	}
}
