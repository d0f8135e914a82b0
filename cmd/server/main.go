/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the incapacidad case service. Builds the
  dependencies from configuration and runs one of the subcommands.

COMMANDS:
  serve               HTTP API, reminder scheduler, notifier and tracker
  roster import FILE  Copy the HR roster workbook into the database
  reminders run       Send due reminders once and exit
  token ISSUE         Sign a reviewer token (auth.jwt_secret)

CONFIGURATION:
  --config  YAML file (optional). Everything else comes from defaults,
            .env and INCAP_* environment variables, see config/config.go.

EXAMPLES:
  # Local development with an in-memory database and no auth
  INCAP_DATABASE_PATH=":memory:" INCAP_AUTH_SKIP=true ./server serve

  # Import the roster, then serve
  ./server roster import ./data/nomina.xlsx
  ./server serve --config ./config.yaml

SEE ALSO:
  - app.go: Dependency wiring and shutdown order
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "incapacidades",
	Short: "Incapacidad case lifecycle service",
	Long: `Registers employee medical-leave documentation, tracks reviewer
decisions and keeps each employee to one pending incomplete case.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, rosterCmd, remindersCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
