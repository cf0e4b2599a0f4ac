package cmd

import (
	"github.com/lupppig/backupx/internal/config"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/spf13/cobra"
)

const BACKUPX_VERSION = "0.1.0"

var (
	configFile string
	LogJSON    bool
	NoColor    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "backupx",
	Short: "backupx keeps consistent archives of a running game server's world",
	Long: `backupx wraps a game server and takes consistent backups of its world directories.
	It pauses autosaving, forces a flush, copies the world to a staging area, lets the
	server carry on and then packs the copy into a zip, 7z or compressed tar archive.
	Backups can be started from the server console, by players in chat, on a timer or
	from the command line, and finished archives can be mirrored to S3, SFTP or FTP.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l := logger.New(logger.Config{
			Writer:  cmd.ErrOrStderr(),
			JSON:    LogJSON,
			NoColor: NoColor,
			Level:   logger.ParseLevel(logLevel),
		})
		cmd.SetContext(logger.WithContext(cmd.Context(), l))
		return nil
	},
}

func init() {
	rootCmd.Version = BACKUPX_VERSION
	rootCmd.SetVersionTemplate("backupx version {{ .Version }}\n")

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file (default ./backupx.yaml or ~/.backupx/backupx.yaml)")
	rootCmd.PersistentFlags().BoolVar(&LogJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&NoColor, "no-color", false, "disable colored log output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and rebuilds the command logger from it.
// Flags given on the command line win over the file.
func loadConfig(cmd *cobra.Command) (*config.Loader, *logger.Logger, error) {
	loader, err := config.Load(configFile)
	if err != nil {
		return nil, logger.FromContext(cmd.Context()), err
	}
	cfg := loader.Config()

	flags := cmd.Flags()
	opts := logger.Config{
		Writer:  cmd.ErrOrStderr(),
		JSON:    cfg.LogJSON,
		NoColor: cfg.NoColor,
		Level:   logger.ParseLevel(cfg.LogLevel),
	}
	if flags.Changed("log-json") {
		opts.JSON = LogJSON
	}
	if flags.Changed("no-color") {
		opts.NoColor = NoColor
	}
	if flags.Changed("log-level") {
		opts.Level = logger.ParseLevel(logLevel)
	}

	l := logger.New(opts)
	cmd.SetContext(logger.WithContext(cmd.Context(), l))
	if file := loader.File(); file != "" {
		l.Debug("Config loaded", "file", file)
	}
	return loader, l, nil
}
