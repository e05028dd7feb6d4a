package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	planPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "docflow",
		Short:         "Document ingestion pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.planPath, "plan", "p", "plan.yaml", "plan definition file")

	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}
