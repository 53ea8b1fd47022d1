// Package app bootstraps and runs the server: configuration loading, logging
// setup, storage selection, and the lifecycle of the MCP and HTTP listeners.
package app

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"slackmcp/internal/config"
	"slackmcp/internal/oauth"
	"slackmcp/internal/server"
	"slackmcp/internal/session"
	"slackmcp/internal/slackapi"
	"slackmcp/internal/storage"
	"slackmcp/internal/tools"
	"slackmcp/pkg/logging"
)

// Options control application startup.
type Options struct {
	// Debug enables verbose logging.
	Debug bool
	// SingleUser maps every caller to the default identity.
	SingleUser bool
	// EnvFile overrides the .env file location; empty uses the default.
	EnvFile string
}

// Application holds the wired components of a running server.
type Application struct {
	cfg      *config.Config
	backend  storage.Backend
	provider *oauth.Provider
	toolSrv  *tools.Server
	httpSrv  *server.Server
}

// New performs the bootstrap sequence: logging, configuration, storage, and
// the server components.
func New(ctx context.Context, opts Options) (*Application, error) {
	level := logging.LevelInfo
	if opts.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	var envFiles []string
	if opts.EnvFile != "" {
		envFiles = append(envFiles, opts.EnvFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		logging.Error("App", err, "Failed to load configuration")
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	backend, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	logging.Info("App", "Using %s storage backend", storage.Name(backend))

	slackClient := slackapi.NewClient(cfg.SlackClientID, cfg.SlackClientSecret)
	provider := oauth.NewProvider(oauth.ProviderConfig{
		SlackClientID:     cfg.SlackClientID,
		SlackClientSecret: cfg.SlackClientSecret,
		RedirectURI:       cfg.RedirectURI(),
	}, backend, slackClient, slackClient)

	mode := session.ModeMultiUser
	if opts.SingleUser {
		mode = session.ModeSingleUser
	}
	resolver := session.NewResolver(mode)

	app := &Application{
		cfg:      cfg,
		backend:  backend,
		provider: provider,
		toolSrv:  tools.New(provider, slackClient, resolver, cfg.SlackClientID),
		httpSrv:  server.New(fmt.Sprintf(":%d", cfg.HTTPPort), provider, resolver, backend),
	}
	return app, nil
}

// Run starts both listeners and blocks until ctx is cancelled or either
// listener fails.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.toolSrv.ServeHTTP(ctx, fmt.Sprintf(":%d", a.cfg.MCPPort))
	})
	g.Go(func() error {
		return a.httpSrv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.httpSrv.Shutdown(context.Background())
	})

	err := g.Wait()
	if closer, ok := a.backend.(interface{ Stop() }); ok {
		closer.Stop()
	}
	return err
}

// Provider exposes the OAuth provider for CLI subcommands.
func (a *Application) Provider() *oauth.Provider { return a.provider }
