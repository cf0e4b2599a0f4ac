package cmd

import (
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/lupppig/backupx/internal/archive"
	"github.com/lupppig/backupx/internal/storage"
	"github.com/spf13/cobra"
)

var probeTargets bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and the tools backupx relies on",
	Long: `Validate the configuration, look for the native binaries backupx may call and
resolve every mirror target. With --probe a small marker file is uploaded to each
target to check credentials and permissions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backupx doctor (%s/%s)\n\n", runtime.GOOS, runtime.GOARCH)

		loader, _, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(out, "[ ] Config: %v\n", err)
			return err
		}
		cfg := loader.Config()
		file := loader.File()
		if file == "" {
			file = "defaults"
		}
		fmt.Fprintf(out, "[x] Config: %s (format %s)\n", file, cfg.Format())

		allOk := true
		fmt.Fprintln(out, "\n[Binaries]")
		if path, err := archive.FindSevenZip(cfg.SevenZipBinary); err != nil {
			mark := "[-]"
			if cfg.Format().Name == "7z" {
				mark = "[ ]"
				allOk = false
			}
			fmt.Fprintf(out, "  %s %-12s: NOT FOUND\n", mark, "7z")
		} else {
			fmt.Fprintf(out, "  [x] %-12s: %s\n", "7z", path)
		}
		if len(cfg.Host.Command) > 0 {
			bin := cfg.Host.Command[0]
			if path, err := exec.LookPath(bin); err != nil {
				fmt.Fprintf(out, "  [ ] %-12s: NOT FOUND\n", bin)
				allOk = false
			} else {
				fmt.Fprintf(out, "  [x] %-12s: %s\n", bin, path)
			}
		}

		if len(cfg.Mirror.Targets) > 0 {
			fmt.Fprintln(out, "\n[Mirror Targets]")
			for _, uri := range cfg.Mirror.Targets {
				fmt.Fprintf(out, "  Checking %s...\n", storage.Scrub(uri))

				t, err := storage.FromURI(uri, storage.StorageOptions{AllowInsecure: cfg.Mirror.AllowInsecure})
				if err != nil {
					fmt.Fprintf(out, "    [ ] Target: INVALID (%v)\n", err)
					allOk = false
					continue
				}
				if probeTargets {
					start := time.Now()
					marker := []byte("ok")
					_, err = t.Save(cmd.Context(), ".backupx-doctor", bytes.NewReader(marker), int64(len(marker)))
					if err != nil {
						fmt.Fprintf(out, "    [ ] Write: FAILED (%v)\n", err)
						allOk = false
					} else {
						fmt.Fprintf(out, "    [x] Write: OK in %s\n", time.Since(start).Truncate(time.Millisecond))
					}
				} else {
					fmt.Fprintf(out, "    [x] Target: %s\n", storage.Scrub(t.Location()))
				}
				t.Close()
			}
		}

		fmt.Fprintln(out)
		if allOk {
			fmt.Fprintln(out, "Result: All systems go!")
		} else {
			fmt.Fprintln(out, "Result: Some checks failed, see above.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().BoolVar(&probeTargets, "probe", false, "upload a marker file to each mirror target")
}
