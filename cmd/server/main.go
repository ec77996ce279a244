package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "User lifecycle workflows and bulk user operations",
	Long: `lifecycle runs onboarding, offboarding and role-change workflows and
previews, executes and rolls back bulk operations over tenant users.

Available Commands:
  serve      Start the HTTP API
  migrate    Create or update the database schema
  sla-sweep  Periodically fail workflows that exceeded their SLA
  deliver    Run the notification delivery workers
  audit-tail Stream audit events from the redis event bus`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd(), migrateCmd(), slaSweepCmd(), deliverCmd(), auditTailCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
