package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/lupppig/backupx/internal/console"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [-- server command...]",
	Short: "Run the game server with backups enabled",
	Long: `Start the server (or attach to one through host.log_file and host.command_file)
and serve backupx commands from the console and from chat until the server stops
or backupx receives SIGINT/SIGTERM.

Console input that is not a backupx command is passed through to the server.
The server command can be given after -- or in host.command:

  backupx run -- java -Xmx4G -jar server.jar nogui`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, l, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := *loader.Config()
		if len(args) > 0 {
			cfg.Host.Command = args
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := newDaemon(loader, &cfg, l, cmd.OutOrStdout())
		if err != nil {
			l.Error("Failed to start", "error", err)
			return err
		}
		d.followLogLevel = !cmd.Flags().Changed("log-level")
		return d.run(ctx, cmd.InOrStdin(), console.NewOperator(cmd.OutOrStdout()))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
