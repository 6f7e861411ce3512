package cmd

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/config"
	"github.com/moose0621/codeql-dashboard/internal/core/engine"
	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
	"github.com/moose0621/codeql-dashboard/internal/github"
	"github.com/moose0621/codeql-dashboard/internal/observability"
	"github.com/moose0621/codeql-dashboard/internal/statesync"
)

// app is the component graph shared by the commands.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	runtime      *gateway.Runtime
	gateway      *gateway.Gateway
	github       *github.Service
	synchronizer *statesync.Synchronizer
	orchestrator *engine.Orchestrator
}

// newApp wires the gateway, GitHub service, synchronizer and
// orchestrator from cfg. requireOrg rejects a missing github.org.
func newApp(cfg *config.Config, logger *zap.Logger, requireOrg bool) (*app, error) {
	if requireOrg && strings.TrimSpace(cfg.GitHub.Org) == "" {
		return nil, apperrors.NewConfigInvalidError("github.org is required (flag --org or CQLDASH_GITHUB_ORG)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runtime := gateway.NewRuntime(gateway.WithConcurrency(cfg.Gateway.Concurrency))
	gw, err := gateway.New(runtime, gateway.Config{
		Tenant:       cfg.GitHub.Tenant,
		BaseURL:      cfg.GitHub.BaseURL,
		Token:        cfg.GitHub.Token,
		HTTPClient:   &http.Client{Timeout: cfg.Gateway.Timeout},
		Logger:       logger.Named("gateway"),
		DisableCache: !cfg.Gateway.CacheEnabled,
		DefaultTTL:   cfg.Gateway.DefaultTTL,
	})
	if err != nil {
		return nil, err
	}

	service := github.NewService(gw,
		github.WithWorkflow(cfg.GitHub.Workflow),
		github.WithFanout(cfg.Gateway.Concurrency),
		github.WithLogger(logger.Named("github")),
	)
	synchronizer := statesync.New(statesync.Config{
		BatchSize:  cfg.Sync.BatchSize,
		BatchDelay: cfg.Sync.BatchDelay,
	}, statesync.WithLogger(logger.Named("statesync")))

	return &app{
		cfg:          cfg,
		logger:       logger,
		runtime:      runtime,
		gateway:      gw,
		github:       service,
		synchronizer: synchronizer,
		orchestrator: &engine.Orchestrator{
			Source:     service,
			Dispatcher: service,
			Store:      synchronizer,
			Org:        cfg.GitHub.Org,
			Logger:     logger.Named("engine"),
		},
	}, nil
}

// componentLogger builds the zap logger handed to library components.
func componentLogger(cfg *config.Config) *zap.Logger {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := observability.NewComponentLogger(config.AppName, level, cfg.Logging.Profile)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadApp is the common prologue of the GitHub-facing commands.
func loadApp(ctx context.Context, requireOrg bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, apperrors.WrapConfigInvalid(ctx, err, "invalid configuration")
	}
	if strings.TrimSpace(cfg.GitHub.Token) == "" {
		observability.CLILogger.Warn("No GitHub token configured; requests are unauthenticated and heavily rate limited")
	}
	return newApp(cfg, componentLogger(cfg), requireOrg)
}
