package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dynamake/internal/annotation"
	"dynamake/internal/pattern"
)

var flagCleanYes bool

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove every file matching a registered step's non-precious output patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := buildOptions()
			eng, err := loadEngine(opts)
			if err != nil {
				return err
			}

			if !flagCleanYes {
				fmt.Print("Remove every file matching a non-precious output pattern of a registered step? [y/N] ")
				answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if strings.ToLower(strings.TrimSpace(answer)) != "y" {
					fmt.Println("clean: cancelled")
					return nil
				}
			}

			removed := 0
			for _, step := range eng.Registry.Steps() {
				for idx, pat := range step.Outputs {
					if step.FlagsFor(idx).Has(annotation.Precious) {
						continue
					}
					matches, err := pattern.Glob(pat, ".")
					if err != nil {
						continue
					}
					for _, m := range matches {
						if err := os.Remove(m.Path); err == nil {
							removed++
							fmt.Println("removed", m.Path)
						}
					}
				}
			}
			fmt.Printf("removed %d output(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flagCleanYes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
