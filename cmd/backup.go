package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/codec"
	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/hook"
	"github.com/paulschiretz/pgl-vault/pkg/lockfile"
	"github.com/paulschiretz/pgl-vault/pkg/metastore"
	"github.com/paulschiretz/pgl-vault/pkg/pathdedup"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/preflight"
)

// RunBackup handles the logic for the backup command.
func RunBackup(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}
	if !config.Exists(runConfig.ArchiveRoot) {
		return fmt.Errorf("no configuration found in %s; run init first", runConfig.ArchiveRoot)
	}
	if err := runConfig.Validate(); err != nil {
		return err
	}
	if err := runPreflight(runConfig); err != nil {
		return err
	}
	runConfig.LogSummary()

	lock, err := lockfile.Acquire(ctx, runConfig.ArchiveRoot, fmt.Sprintf("%s-backup:%s", buildinfo.LockID, runConfig.ArchiveRoot))
	if err != nil {
		return fmt.Errorf("failed to acquire lock on archive root: %w", err)
	}
	defer lock.Release()

	store, err := openStore(ctx, runConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := openCodec(runConfig)
	if err != nil {
		return err
	}

	engine := pathdedup.New(pathdedup.Options{
		ArchiveRoot:            runConfig.ArchiveRoot,
		Includes:               runConfig.Includes,
		Excludes:               runConfig.AllExcludes(),
		MinCompressSize:        runConfig.Compression.MinSize,
		UncompressedExtensions: runConfig.Compression.UncompressedExtensions,
		Workers:                runConfig.Engine.Workers,
		BufferSize:             runConfig.Engine.BufferSizeKB * 1024,
		Algorithm:              runConfig.Engine.ChecksumAlgorithm,
		VerifyNew:              runConfig.Engine.VerifyNew,
		ProgressInterval:       runConfig.ProgressInterval(),
		Metrics:                runConfig.Engine.Metrics,
	}, store, c)

	hooks := hook.NewExecutor(nil)
	hookEnv := []string{"PGL_VAULT_ROOT=" + runConfig.ArchiveRoot}
	if err := hooks.Run(ctx, hook.PreBackup, runConfig.Hooks.PreBackup, hookEnv, true); err != nil {
		return err
	}

	result, runErr := engine.Run(ctx)

	status := "complete"
	switch {
	case errors.Is(runErr, pathdedup.ErrRunIncomplete):
		status = "incomplete"
	case runErr != nil:
		status = "failed"
	}
	hookEnv = append(hookEnv, "PGL_VAULT_RUN="+result.RunName, "PGL_VAULT_STATUS="+status)
	if err := hooks.Run(context.WithoutCancel(ctx), hook.PostBackup, runConfig.Hooks.PostBackup, hookEnv, false); err != nil {
		plog.Warn("Post-backup hooks failed", "error", err)
	}

	if runErr != nil {
		return runErr // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "run", result.RunName, "duration", result.Duration.Round(time.Millisecond))
	return nil
}

// runPreflight checks the archive root before anything is locked or written.
func runPreflight(cfg config.Config) error {
	if err := preflight.CheckArchiveRootAccessible(cfg.ArchiveRoot); err != nil {
		return err
	}
	if err := preflight.CheckPathNesting(cfg.ArchiveRoot, cfg.Includes); err != nil {
		return err
	}
	if err := preflight.CheckArchiveRootWritable(cfg.ArchiveRoot); err != nil {
		return err
	}
	if free, err := preflight.FreeSpace(cfg.ArchiveRoot); err == nil {
		plog.Info("Archive volume free space", "free", humanize.IBytes(free))
	} else {
		plog.Debug("Could not determine free space", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (metastore.Store, error) {
	store, err := metastore.Open(ctx, metastore.Options{
		Driver:    cfg.Metadata.Driver,
		Path:      cfg.MetadataPath(),
		Algorithm: cfg.Engine.ChecksumAlgorithm.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	return store, nil
}

func openCodec(cfg config.Config) (*codec.Codec, error) {
	c, err := codec.New(codec.Options{
		Root:             cfg.ArchiveRoot,
		Password:         cfg.Password,
		Format:           cfg.Compression.Format,
		Level:            cfg.Compression.Level,
		ScryptWorkFactor: cfg.Encryption.ScryptWorkFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up archive codec: %w", err)
	}
	return c, nil
}
