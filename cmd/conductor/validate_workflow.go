package main

import (
	"fmt"

	"github.com/evalgo/conductor/internal/config"
	"github.com/evalgo/conductor/internal/workflow"
	"github.com/spf13/cobra"
)

var validateWorkflowCmd = &cobra.Command{
	Use:   "validate-workflow",
	Short: "Load and validate a workflow definition file without starting the event loop",
	RunE:  runValidateWorkflow,
}

func runValidateWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	wf, err := workflow.Load(cfg.WorkflowFile)
	if err != nil {
		return fmt.Errorf("workflow %q is invalid: %w", cfg.WorkflowFile, err)
	}
	if wf.Empty() {
		return fmt.Errorf("workflow %q has no steps", cfg.WorkflowFile)
	}

	fmt.Printf("workflow %q is valid\n", cfg.WorkflowFile)
	return nil
}
