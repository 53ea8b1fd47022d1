package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"slackmcp/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveSingleUser maps every caller to one shared identity, for local
// single-person setups.
var serveSingleUser bool

// serveEnvFile points at an alternative .env file.
var serveEnvFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Slack MCP server",
	Long: `Starts two listeners:

1. The MCP server (streamable HTTP) serving the Slack tools. Caller
   identity is derived from request headers, so multiple users can share
   the instance.

2. The HTTP side channel serving the OAuth callback, dynamic client
   registration, status, and health endpoints.

Configuration comes from the environment (optionally via a .env file):
SLACK_CLIENT_ID and SLACK_CLIENT_SECRET are required; SLACK_MCP_STORAGE
selects the token storage backend (memory, file, or dynamodb).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, app.Options{
		Debug:      serveDebug,
		SingleUser: serveSingleUser,
		EnvFile:    serveEnvFile,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSingleUser, "single-user", false, "Map all callers to one shared identity")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "", "Path to an alternative .env file")
}
