package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when the application is called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "slackmcp",
	Short: "MCP server bridging AI assistants to Slack",
	Long: `slackmcp runs an MCP server whose tools operate against Slack on behalf
of the calling user. Each caller authorizes the server through Slack's
OAuth flow in a browser; tokens are stored per caller so multiple users
can share one server instance.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time
// from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "slackmcp version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
