package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lupppig/backupx/internal/archive"
	"github.com/lupppig/backupx/internal/backup"
	"github.com/lupppig/backupx/internal/catalog"
	"github.com/lupppig/backupx/internal/config"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/lupppig/backupx/internal/notify"
	"github.com/lupppig/backupx/internal/storage"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
)

var noProgress bool

var makeCmd = &cobra.Command{
	Use:   "make [comment]",
	Short: "Create a backup of a stopped server",
	Long: `Create a backup without a running server. Nothing is quiesced, so only use this
while the server is stopped. The comment, if any, is appended to the archive name.

Finished archives are announced to the configured notifiers and copied to the
configured mirror targets before the command returns.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, l, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := loader.Config()

		orch, err := backup.NewOrchestrator(nil, orchestratorOptions(cfg, l))
		if err != nil {
			return err
		}
		defer orch.Close()

		orch.AddObserver(pruneAfterBackup(catalog.New(cfg.OutputDirectory), cfg.Retention, l))
		if n := notify.BuildNotifier(cfg); n != nil {
			notifier := notify.NewObserver(n, l)
			defer notifier.Close()
			orch.AddObserver(notifier)
		}
		if len(cfg.Mirror.Targets) > 0 {
			mirror, err := storage.MirrorFromURIs(cfg.Mirror.Targets,
				storage.StorageOptions{AllowInsecure: cfg.Mirror.AllowInsecure},
				storage.MirrorOptions{Logger: l})
			if err != nil {
				return err
			}
			defer mirror.Close()
			orch.AddObserver(mirror)
		}

		req := backup.Request{
			Comment: strings.Join(args, " "),
			Trigger: "cli",
			Progress: func(s backup.Stage) {
				l.Debug("Backup stage", "stage", s)
			},
		}

		var progress *mpb.Progress
		var bar *mpb.Bar
		var barMu sync.Mutex
		if !noProgress {
			progress = archive.NewProgressContainer(cmd.ErrOrStderr())
			req.ArchiveProgress = func(total int64) func(int) {
				barMu.Lock()
				defer barMu.Unlock()
				var fn func(int)
				bar, fn = archive.AddArchiveBar(progress, "archiving", total)
				return fn
			}
		}

		start := time.Now()
		path, err := orch.Run(cmd.Context(), req)

		if progress != nil {
			barMu.Lock()
			if bar != nil {
				if err != nil {
					bar.Abort(false)
				} else {
					bar.SetTotal(-1, true)
				}
			}
			barMu.Unlock()
			progress.Wait()
		}

		if err != nil {
			l.Error("Backup failed", "error", err)
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Backup done in %.1fs: %s\n", time.Since(start).Seconds(), filepath.Base(path))
		return nil
	},
}

// orchestratorOptions maps the configuration onto an offline orchestrator; the
// daemon adds the host on top.
func orchestratorOptions(cfg *config.Config, l *logger.Logger) backup.Options {
	return backup.Options{
		ServerDir:        cfg.ServerDirectory,
		Sources:          cfg.SourceDirectories,
		Ignore:           cfg.IgnoreFileNames,
		StagingDir:       cfg.StagingDirectory,
		OutputDir:        cfg.OutputDirectory,
		Format:           cfg.Format(),
		Password:         cfg.Password,
		SevenZip:         cfg.SevenZipBinary,
		SuppressAutosave: cfg.SuppressAutosaveDuringBackup,
		Commands:         cfg.Host.Commands,
		Logger:           l,
	}
}

func init() {
	rootCmd.AddCommand(makeCmd)

	makeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "do not draw the archive progress bar")
}
