package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-voice/pkg/core/workflow"
)

func newWorkflowsCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflow definitions",
	}
	var dir string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate every workflow definition in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateWorkflows(cmd, dir, stdout)
		},
	}
	validate.Flags().StringVar(&dir, "dir", "./workflows", "workflow definition directory")
	cmd.AddCommand(validate)
	return cmd
}

func validateWorkflows(cmd *cobra.Command, dir string, stdout io.Writer) error {
	store, err := workflow.NewFileStore(dir)
	if err != nil {
		return err
	}
	results, err := store.All(cmd.Context())
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(stdout, "FAIL %s: %v\n", r.Path, r.Err)
			continue
		}
		fmt.Fprintf(stdout, "ok   %s (%s, %d steps)\n", r.Path, r.Definition.DisplayName(), len(r.Definition.Nodes))
	}
	if len(results) == 0 {
		fmt.Fprintf(stdout, "no workflow definitions under %s\n", dir)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflow definitions are invalid", failed, len(results))
	}
	return nil
}
