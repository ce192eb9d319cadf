package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kkpan11/ipyflow/internal/ctxlog"
	"github.com/kkpan11/ipyflow/internal/profile"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config

	httpServer *http.Server
}

// New is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger, with the client
// profile (when configured) already merged into the config. A failure to
// load the profile is a fatal startup error and panics.
func New(outW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	if cfg.ProfilePath != "" {
		p, err := profile.Load(ctx, cfg.ProfilePath, cfg.ProfileName)
		if err != nil {
			panic(fmt.Errorf("failed to load profile: %w", err))
		}
		applyProfile(cfg, p)
		logger.Debug("Client profile merged into configuration.",
			"path", cfg.ProfilePath, "client", p.Name)
	}

	return &App{outW: outW, logger: logger, cfg: cfg}
}

// applyProfile fills config fields the command line left empty. Flags always
// win over the profile.
func applyProfile(cfg *Config, p *profile.Profile) {
	if cfg.Gateway == "" {
		cfg.Gateway = p.Endpoint
	}
	if cfg.Namespace == "" {
		cfg.Namespace = p.Namespace
	}
	if cfg.Token == "" {
		cfg.Token = p.Token
	}
	if cfg.KernelName == "" {
		cfg.KernelName = p.KernelName
	}
	if cfg.DebounceMs == 0 && p.Debounce > 0 {
		cfg.DebounceMs = int(p.Debounce / time.Millisecond)
	}
	if !cfg.InsecureSkipVerify {
		cfg.InsecureSkipVerify = p.InsecureSkipVerify
	}
	if len(p.Overrides) > 0 {
		merged := make(map[string]string, len(p.Overrides)+len(cfg.Overrides))
		for k, v := range p.Overrides {
			merged[k] = v
		}
		for k, v := range cfg.Overrides {
			merged[k] = v
		}
		cfg.Overrides = merged
	}
}

// Logger returns the application's logger. This is primarily for testing.
func (a *App) Logger() *slog.Logger {
	return a.logger
}
