package cmd

import (
	"fmt"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	"github.com/lupppig/backupx/internal/catalog"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/spf13/cobra"
)

var dryRun bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archives the retention policy no longer keeps",
	Long: `Apply the retention section of the configuration to the output directory.
An archive survives if any rule keeps it: the newest N, anything younger than
max_age, or the newest archive of each recent day, week, month and year.

The same policy runs automatically after every successful backup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, l, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := loader.Config()
		out := cmd.OutOrStdout()

		if !cfg.Retention.Enabled() {
			fmt.Fprintln(out, "No retention policy configured, nothing to do.")
			return nil
		}

		cat := catalog.New(cfg.OutputDirectory)
		var entries []catalog.Entry
		if dryRun {
			entries, err = cat.Expired(cfg.Retention, time.Now())
		} else {
			entries, err = cat.Prune(cfg.Retention, time.Now())
		}
		verb := "deleted"
		if dryRun {
			verb = "would delete"
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s %s (%s)\n", verb, e.Name, e.HumanSize())
		}
		if err != nil {
			l.Error("Prune failed", "dir", cat.Dir(), "error", err)
			return err
		}
		fmt.Fprintf(out, "%d archives expired\n", len(entries))
		return nil
	},
}

// pruneAfterBackup applies r to the output directory after each successful run.
func pruneAfterBackup(cat *catalog.Catalog, r catalog.Retention, l *logger.Logger) backup.Observer {
	return backup.ObserverFunc(func(job *backup.Job) {
		if job.Status != backup.StatusSucceeded || !r.Enabled() {
			return
		}
		removed, err := cat.Prune(r, time.Now())
		for _, e := range removed {
			l.Info("Pruned old backup", "file", e.Name, "size", e.HumanSize())
		}
		if err != nil {
			l.Warn("Failed to prune old backups", "error", err)
		}
	})
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the archives that would be deleted without deleting them")
}
