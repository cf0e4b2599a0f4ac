package cmd

import (
	"fmt"

	"github.com/lupppig/backupx/internal/archive"
	"github.com/spf13/cobra"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the supported archive formats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-10s %-12s %s\n", "NAME", "SUFFIX", "PASSWORD")
		for _, f := range archive.Formats() {
			password := "no"
			if f.Encryption {
				password = "yes"
			}
			fmt.Fprintf(out, "%-10s %-12s %s\n", f.Name, f.Suffix, password)
		}
	},
}

func init() {
	rootCmd.AddCommand(formatsCmd)
}
