package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "csvz",
		Short: "Streaming CSV transformation",
		Long: `csvz streams CSV files through chains of row transformations.

Files are decoded incrementally, transformed with bounded concurrency and
written back out as RFC 4180 CSV, so memory use does not grow with the
size of the input.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available operations",
	Long:  "Display the built-in row operations usable with transform --op.",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Available operations:")
		fmt.Fprintln(out)
		for _, op := range getAllOperations() {
			fmt.Fprintf(out, "  %-12s %s\n", op.Name, op.Description)
		}
	},
}
