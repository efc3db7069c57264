package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "folia",
	Short:         "Extract plant-use records from documents and sync them with a shared hub",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	plain := os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stderr.Fd())
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", plain, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(ingestCmd, documentsCmd, recordsCmd, syncCmd, conflictsCmd, exportCmd)
	rootCmd.AddCommand(configCmd, hubCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
