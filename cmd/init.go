package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/lockfile"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// RunInit handles the logic for the init command. It writes the config file
// and, when a password is set, creates the archive key file.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Init, flagMap)
	if err != nil {
		return err
	}

	force, _ := flagMap["force"].(bool)
	if config.Exists(runConfig.ArchiveRoot) && !force {
		fmt.Printf("WARNING: A configuration already exists in %s.\n", runConfig.ArchiveRoot)
		if !PromptForConfirmation("Overwrite it with the given settings?", false) {
			plog.Info(buildinfo.Name + " init canceled.")
			return nil
		}
	}

	if err := runConfig.Validate(); err != nil {
		return err
	}

	startTime := time.Now()
	if err := runPreflight(runConfig); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	lock, err := lockfile.Acquire(ctx, runConfig.ArchiveRoot, fmt.Sprintf("%s-init:%s", buildinfo.LockID, runConfig.ArchiveRoot))
	if err != nil {
		return fmt.Errorf("failed to acquire lock on archive root: %w", err)
	}
	defer lock.Release()

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	// Opening the codec creates the key file on first use.
	c, err := openCodec(runConfig)
	if err != nil {
		return err
	}
	if c.Encrypted() {
		plog.Notice("Archive encryption enabled; keep the password safe, it cannot be recovered", "env", config.PasswordEnv)
	}

	// Creating the store pins the checksum algorithm.
	store, err := openStore(ctx, runConfig)
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close metadata store: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" archive root successfully initialized.", "root", runConfig.ArchiveRoot, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
