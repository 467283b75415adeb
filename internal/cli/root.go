package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	port       string
	configPath string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz-session-service",
		Short: "Real-time quiz rooms and offline attempts over WebSocket and HTTP",
		Long: "Runs live quiz rooms with a shared leaderboard and offline quiz attempts.\n" +
			"Without redis/postgres settings the service falls back to in-memory stores.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&port, "port", envOr("PORT", "8080"), "port to listen on")
	cmd.PersistentFlags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "config/config.yaml"), "path to YAML config")
	cmd.AddCommand(NewStartCmd(&configPath, &port))
	cmd.AddCommand(NewMigrateCmd(&configPath))
	return cmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
