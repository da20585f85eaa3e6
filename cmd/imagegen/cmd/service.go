package cmd

import (
	"fmt"

	"github.com/psantana5/imagegen/pkg/config"
	"github.com/psantana5/imagegen/pkg/logging"
	"github.com/psantana5/imagegen/pkg/provider"
	"github.com/psantana5/imagegen/pkg/provider/gemini"
	"github.com/psantana5/imagegen/pkg/provider/together"
	"github.com/psantana5/imagegen/pkg/store"
)

// loadServiceConfig reads the server configuration named by --config
func loadServiceConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, component string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.Dir == "" {
		return logging.NewLogger(level, cfg.Log.JSON), nil
	}
	return logging.NewFileLogger(cfg.Log.Dir, component, level, cfg.Log.JSON)
}

func openStore(cfg config.Config) (store.Store, error) {
	st, err := store.NewStore(store.Config{
		Type: cfg.Database.Type,
		Path: cfg.Database.Path,
		DSN:  cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	return st, nil
}

// newRegistry registers the providers enabled in cfg
func newRegistry(cfg config.Config) (*provider.Registry, error) {
	var enabled []provider.Provider
	if cfg.Providers.Together.Enabled {
		enabled = append(enabled, together.New(cfg.Providers.Together.BaseURL, nil))
	}
	if cfg.Providers.Gemini.Enabled {
		enabled = append(enabled, gemini.New(cfg.Providers.Gemini.BaseURL))
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}
	return provider.NewRegistry(enabled...)
}
