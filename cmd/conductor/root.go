package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Workflow orchestrator for the QA automation pipeline",
	Long: `conductor drives a QA case from discovery through upload, GPU
execution, download, and completion (or failure), by consuming events off a
broker queue and publishing commands to the file-transfer and
remote-executor workers.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.PersistentFlags().String("broker-url", "", "broker connection URL (amqp://...)")
	rootCmd.PersistentFlags().String("inbox-queue", "", "inbox queue name")
	rootCmd.PersistentFlags().String("dead-letter-queue", "", "dead-letter queue name")
	rootCmd.PersistentFlags().String("file-transfer-queue", "", "file-transfer outbox queue name")
	rootCmd.PersistentFlags().String("remote-executor-queue", "", "remote-executor outbox queue name")
	rootCmd.PersistentFlags().Int("prefetch-count", 0, "broker QoS prefetch window")
	rootCmd.PersistentFlags().Int("max-retry-count", 0, "max retry_count before dead-lettering")
	rootCmd.PersistentFlags().String("store-path", "", "path to the SQLite state store file")
	rootCmd.PersistentFlags().String("workflow-file", "", "path to the workflow definition YAML")
	rootCmd.PersistentFlags().String("remote-upload-root", "", "remote root path for case uploads")
	rootCmd.PersistentFlags().String("remote-download-root", "", "remote root path for result downloads")
	rootCmd.PersistentFlags().Int("gpu-count", 0, "number of GPU slots to seed on first startup")
	rootCmd.PersistentFlags().String("leader-lock-url", "", "optional Redis URL for the leader lease")
	rootCmd.PersistentFlags().Duration("leader-lock-lease", 0, "leader lease TTL")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateWorkflowCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
