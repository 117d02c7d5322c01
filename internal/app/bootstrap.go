package app

import (
	"context"
	"fmt"

	"nagbot/internal/config"
)

// Options are the command-line inputs of the bot.
type Options struct {
	ConfigPath string
	// EnvFiles are loaded before the config; missing files are ignored.
	EnvFiles []string
}

// loadConfig reads the config file with env overrides applied and installs
// the validator used for hot reloads.
func loadConfig(opts Options) (*config.ConfigManager, *config.Config, error) {
	if err := config.LoadEnv(opts.EnvFiles...); err != nil {
		return nil, nil, fmt.Errorf("env: %w", err)
	}
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", cfgm.Path(), err)
	}
	return cfgm, cfg, nil
}
