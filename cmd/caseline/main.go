package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "caseline",
	Short:   "Investigation coordination and evidence-gated risk fusion engine",
	Version: version,
	Long: `caseline coordinates multi-agent fraud investigations: it owns the
investigation lifecycle, fans analysis out to domain analyzers, fuses their
findings with external threat intelligence, and gates every risk verdict on
the strength of the collected evidence.`,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(caseCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
