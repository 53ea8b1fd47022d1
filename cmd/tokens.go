package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"slackmcp/internal/config"
	"slackmcp/internal/oauth"
	"slackmcp/internal/storage"
)

// tokensCmd lists stored token metadata. Token values are never printed.
var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "List stored Slack token metadata",
	Long: `Lists metadata about the Slack tokens currently held in storage:
truncated storage keys, workspace IDs, and expiry information. Token
values themselves are never shown.`,
	Args: cobra.NoArgs,
	RunE: runTokens,
}

func runTokens(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	backend, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	summaries, err := oauth.NewTokenStore(backend).ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	out, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d token(s) in %s storage\n%s\n",
		len(summaries), storage.Name(backend), out)
	return nil
}

func init() {
	rootCmd.AddCommand(tokensCmd)
}
