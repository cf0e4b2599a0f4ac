package cmd

import (
	"fmt"
	"strconv"

	"github.com/lupppig/backupx/internal/catalog"
	"github.com/lupppig/backupx/internal/console"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [N]",
	Short: "List the most recent backups",
	Long:  `List the N most recent archives in the output directory, newest first (default 10).`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := console.DefaultListLimit
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return apperrors.New(apperrors.TypeConfig, "invalid count "+strconv.Quote(args[0]), "Pass a non-negative number of backups to show.")
			}
			limit = n
		}
		return printBackups(cmd, limit)
	},
}

var listAllCmd = &cobra.Command{
	Use:   "listall",
	Short: "List every backup in the output directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printBackups(cmd, catalog.All)
	},
}

func printBackups(cmd *cobra.Command, limit int) error {
	loader, l, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cat := catalog.New(loader.Config().OutputDirectory)

	entries, total, err := cat.List(limit)
	if err != nil {
		l.Error("Failed to list backups", "dir", cat.Dir(), "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d backups in total\n", total)
	for i, e := range entries {
		fmt.Fprintf(out, "%3d. %-50s %10s  %s\n", i+1, e.Name, e.HumanSize(), e.ModTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(listAllCmd)
}
