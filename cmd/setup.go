package cmd

import (
	"fmt"

	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// loadRunConfig loads the config from the --root directory and overlays the flags.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	root, ok := flagMap["root"].(string)
	if !ok || root == "" {
		return config.Config{}, fmt.Errorf("the --root flag is required to run %s", command)
	}

	loaded, err := config.Load(root)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from archive root: %w", err)
	}
	runConfig, err := config.MergeConfigWithFlags(command, loaded, flagMap)
	if err != nil {
		return config.Config{}, err
	}
	applyLogging(runConfig)
	return runConfig, nil
}

// applyLogging configures the global logger from the run config.
func applyLogging(cfg config.Config) {
	plog.SetLevel(plog.LevelFromString(cfg.Log.Level))
	plog.SetQuiet(cfg.Log.Quiet)
	if cfg.Log.File != "" {
		plog.SetLogFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	}
}
