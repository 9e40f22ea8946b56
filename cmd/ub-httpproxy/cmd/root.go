// Package cmd provides the CLI commands for ub-httpproxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "ub-httpproxy",
	Short: "Broker-backed intercepting HTTP/HTTPS proxy",
	Long: `ub-httpproxy splits an intercepting proxy across a message broker.

The proxy process terminates client connections (including TLS, with
a local interception CA), ships each request through RabbitMQ to a
worker, and records all traffic per tenant. Worker processes perform
the actual outbound requests with certificate verification disabled.

Connection settings come from the environment; RABBIT_HOSTNAME,
RABBIT_USERNAME and RABBIT_PASSWORD are required. A .env file in the
working directory is read if present.

Commands:
  proxy       Start the proxy process
  worker      Start a worker process
  provision   Create the database for a tenant
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadDotEnv)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// loadDotEnv reads ./.env if it exists. Real environment variables win
// over file values.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}
