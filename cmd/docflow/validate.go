package main

import (
	"fmt"
	"strings"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/internal/plandef"
	"github.com/spf13/cobra"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Build the plan and print its steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := plandef.Load(opts.planPath)
			if err != nil {
				return err
			}
			b := docflow.NewPlanBuilder()
			if err := def.Apply(cmd.Context(), b, docflow.NullLogger()); err != nil {
				return err
			}
			plan, err := b.Build()
			if err != nil {
				return err
			}
			defer plan.Close()

			out := cmd.OutOrStdout()
			for _, s := range plan.Steps() {
				kind := "step"
				if s.Scanner() != nil {
					kind = "scanner"
				}
				fmt.Fprintf(out, "%-8s %-20s -> %s\n", kind, s.Name(), strings.Join(s.Successors(), ", "))
			}
			fmt.Fprintf(out, "destinations: %s\n", strings.Join(plan.Destinations(), ", "))
			return nil
		},
	}
}
