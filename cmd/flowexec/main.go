package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "flowexec",
		Short:         "Workflow execution engine",
		Long:          "flowexec stores JSON step graphs and runs them, recording every run.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMCPCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newDefineCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newDiagramCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
