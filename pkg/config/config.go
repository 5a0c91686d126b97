package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/codec"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/lockfile"
	"github.com/paulschiretz/pgl-vault/pkg/metastore"
	"github.com/paulschiretz/pgl-vault/pkg/pathdedup"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

const (
	// ConfigFileName is the name of the JSON configuration file. It may contain comments.
	ConfigFileName = "vault.json"
	// YAMLConfigFileName is the alternative YAML configuration file. JSON wins when both exist.
	YAMLConfigFileName = "vault.yaml"
	// PasswordEnv supplies the archive password without writing it to disk.
	PasswordEnv = "PGL_VAULT_PASSWORD"
)

// systemExcludePatterns are always excluded so an archive root inside an
// include never backs up its own bookkeeping.
var systemExcludePatterns = []string{
	lockfile.LockFileName,
	ConfigFileName,
	YAMLConfigFileName,
	codec.KeyFileName,
	metastore.DefaultFileName,
	metastore.DefaultFileName + "-wal",
	metastore.DefaultFileName + "-shm",
}

// defaultUncompressedExtensions are formats that gain nothing from another compression pass.
var defaultUncompressedExtensions = []string{
	".7z", ".aac", ".avi", ".br", ".bz2", ".docx", ".flac", ".gif", ".gz", ".heic",
	".jpeg", ".jpg", ".lz4", ".m4a", ".mkv", ".mov", ".mp3", ".mp4", ".ogg", ".png",
	".pptx", ".rar", ".webm", ".webp", ".xlsx", ".xz", ".zip", ".zst",
}

type CompressionConfig struct {
	// MinSize is the smallest file, in bytes, that is stored compressed.
	MinSize                int64        `json:"minSize" yaml:"minSize"`
	UncompressedExtensions []string     `json:"uncompressedExtensions" yaml:"uncompressedExtensions"`
	Format                 codec.Format `json:"format" yaml:"format"`
	Level                  codec.Level  `json:"level" yaml:"level"`
}

type EngineConfig struct {
	Workers                 int                 `json:"workers" yaml:"workers"`
	BufferSizeKB            int                 `json:"bufferSizeKB" yaml:"bufferSizeKB"`
	ChecksumAlgorithm       pathdedup.Algorithm `json:"checksumAlgorithm" yaml:"checksumAlgorithm"`
	Metrics                 bool                `json:"metrics" yaml:"metrics"`
	ProgressIntervalSeconds int                 `json:"progressIntervalSeconds" yaml:"progressIntervalSeconds"`
	VerifyNew               bool                `json:"verifyNew" yaml:"verifyNew"`
}

type MetadataConfig struct {
	Driver metastore.Driver `json:"driver" yaml:"driver"`
	// Path defaults to vault.db in the archive root.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type EncryptionConfig struct {
	ScryptWorkFactor int `json:"scryptWorkFactor" yaml:"scryptWorkFactor"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	Quiet      bool   `json:"-" yaml:"-"` // Never added to config file
}

type HooksConfig struct {
	// No omitempty, so the hook lists show up in generated config files.
	// SECURITY: these commands run through the shell exactly as written.
	PreBackup  []string `json:"preBackup" yaml:"preBackup"`
	PostBackup []string `json:"postBackup" yaml:"postBackup"`
}

type Config struct {
	Version     string            `json:"version" yaml:"version"`
	ArchiveRoot string            `json:"-" yaml:"-"` // Never added to config file
	Includes    []string          `json:"includes" yaml:"includes"`
	Excludes    []string          `json:"excludes" yaml:"excludes"`
	Password    string            `json:"password,omitempty" yaml:"password,omitempty"`
	Log         LogConfig         `json:"log" yaml:"log"`
	Compression CompressionConfig `json:"compression" yaml:"compression"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Metadata    MetadataConfig    `json:"metadata" yaml:"metadata"`
	Encryption  EncryptionConfig  `json:"encryption" yaml:"encryption"`
	Hooks       HooksConfig       `json:"hooks" yaml:"hooks"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:     buildinfo.Version,
		ArchiveRoot: "", // Intentionally empty to force user configuration.
		Includes:    []string{},
		Excludes:    []string{},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Compression: CompressionConfig{
			MinSize:                1024,
			UncompressedExtensions: append([]string(nil), defaultUncompressedExtensions...),
			Format:                 codec.Zstd,
			Level:                  codec.Default,
		},
		Engine: EngineConfig{
			Workers:           pathdedup.DefaultWorkers,
			BufferSizeKB:      pathdedup.DefaultBufferSize / 1024,
			ChecksumAlgorithm: pathdedup.SHA256,
			Metrics:           true,
		},
		Metadata: MetadataConfig{
			Driver: metastore.SQLite,
		},
		Encryption: EncryptionConfig{
			ScryptWorkFactor: codec.DefaultScryptWorkFactor,
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
	}
}

// Load reads the configuration from archiveRoot. A missing file yields the
// defaults. The password falls back to the PGL_VAULT_PASSWORD environment variable.
func Load(archiveRoot string) (Config, error) {
	absRoot, err := util.ExpandedAbsPath(archiveRoot)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for archive root %s: %w", archiveRoot, err)
	}

	config := NewDefault()
	configPath, data, err := readConfigFile(absRoot)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No config file, which is a normal case before init.
	case err != nil:
		return Config{}, err
	default:
		plog.Info("Loading configuration", "path", configPath)
		// Start with default values, then overwrite with the file's content.
		if err := decode(configPath, data, &config); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
	}

	config.ArchiveRoot = absRoot
	config.Version = buildinfo.Version
	if pw := os.Getenv(PasswordEnv); pw != "" && config.Password == "" {
		config.Password = pw
	}
	return config, nil
}

// Exists reports whether archiveRoot already holds a config file.
func Exists(archiveRoot string) bool {
	for _, name := range []string{ConfigFileName, YAMLConfigFileName} {
		if _, err := os.Stat(filepath.Join(archiveRoot, name)); err == nil {
			return true
		}
	}
	return false
}

func readConfigFile(dir string) (string, []byte, error) {
	for _, name := range []string{ConfigFileName, YAMLConfigFileName} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("error opening config file %s: %w", path, err)
		}
	}
	return "", nil, os.ErrNotExist
}

func decode(path string, data []byte, config *Config) error {
	if filepath.Ext(path) == ".yaml" {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(config)
}

// Generate writes cfg as vault.json into its archive root. The password is
// never written; it is read from the environment at run time.
func Generate(cfg Config) error {
	cfg.Password = ""
	configPath := filepath.Join(cfg.ArchiveRoot, ConfigFileName)
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(configPath, append(jsonData, '\n'), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration and canonicalizes its paths.
func (c *Config) Validate() error {
	if c.ArchiveRoot == "" {
		return fmt.Errorf("archive root cannot be empty")
	}
	var err error
	c.ArchiveRoot, err = util.ExpandedAbsPath(c.ArchiveRoot)
	if err != nil {
		return fmt.Errorf("could not expand archive root: %w", err)
	}

	if len(c.Includes) == 0 {
		return fmt.Errorf("at least one include directory is required")
	}
	for i, inc := range c.Includes {
		abs, err := util.ExpandedAbsPath(inc)
		if err != nil {
			return fmt.Errorf("could not expand include path %q: %w", inc, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("include path '%s' is not accessible: %w", abs, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("include path '%s' is not a directory", abs)
		}
		c.Includes[i] = abs
	}

	if err := validateGlobPatterns("excludes", c.Excludes); err != nil {
		return err
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.BufferSizeKB < 1 {
		return fmt.Errorf("engine.bufferSizeKB must be at least 1")
	}
	if c.Engine.ProgressIntervalSeconds < 0 {
		return fmt.Errorf("engine.progressIntervalSeconds cannot be negative")
	}
	if c.Compression.MinSize < 0 {
		return fmt.Errorf("compression.minSize cannot be negative")
	}
	if c.Encryption.ScryptWorkFactor < 1 || c.Encryption.ScryptWorkFactor > 30 {
		return fmt.Errorf("encryption.scryptWorkFactor must be between 1 and 30")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "notice", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q. Must be 'debug', 'info', 'notice', 'warn' or 'error'", c.Log.Level)
	}
	return nil
}

// MetadataPath returns the sqlite database path.
func (c *Config) MetadataPath() string {
	if c.Metadata.Path != "" {
		return c.Metadata.Path
	}
	return filepath.Join(c.ArchiveRoot, metastore.DefaultFileName)
}

// AllExcludes returns the final, combined slice of exclusion patterns, including
// the non-overridable system patterns and the archive root itself.
func (c *Config) AllExcludes() []string {
	return util.MergeAndDeduplicate(systemExcludePatterns, []string{util.NormalizePath(c.ArchiveRoot)}, c.Excludes)
}

// ProgressInterval returns the progress ticker period, or 0 when disabled.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Engine.ProgressIntervalSeconds) * time.Second
}

// LogSummary logs the effective configuration.
func (c *Config) LogSummary() {
	logArgs := []any{
		"archive_root", c.ArchiveRoot,
		"includes", strings.Join(c.Includes, ", "),
		"log_level", c.Log.Level,
		"workers", c.Engine.Workers,
		"buffer_size", humanize.IBytes(uint64(c.Engine.BufferSizeKB) * 1024),
		"checksum", c.Engine.ChecksumAlgorithm,
		"metrics", c.Engine.Metrics,
		"metadata", c.Metadata.Driver,
		"encryption", c.Password != "",
	}
	compressionSummary := fmt.Sprintf("%s (l:%s min:%s)",
		c.Compression.Format, c.Compression.Level, humanize.IBytes(uint64(c.Compression.MinSize)))
	logArgs = append(logArgs, "compression", compressionSummary)
	if len(c.Excludes) > 0 {
		logArgs = append(logArgs, "excludes", strings.Join(c.Excludes, ", "))
	}
	if c.Engine.VerifyNew {
		logArgs = append(logArgs, "verify_new", true)
	}
	if c.Log.File != "" {
		logArgs = append(logArgs, "log_file", c.Log.File)
	}
	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) (Config, error) {
	merged := base

	for name, value := range setFlags {
		var err error
		switch name {
		case "root":
			merged.ArchiveRoot = value.(string)
		case "log-level":
			merged.Log.Level = value.(string)
		case "log-file":
			merged.Log.File = value.(string)
		case "quiet":
			merged.Log.Quiet = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "include":
			merged.Includes = value.([]string)
		case "exclude":
			merged.Excludes = value.([]string)
		case "workers":
			merged.Engine.Workers = value.(int)
		case "buffer-size-kb":
			merged.Engine.BufferSizeKB = value.(int)
		case "progress-interval":
			merged.Engine.ProgressIntervalSeconds = value.(int)
		case "verify-new":
			if command == flagparse.Backup {
				merged.Engine.VerifyNew = value.(bool)
			}
		case "checksum-algorithm":
			merged.Engine.ChecksumAlgorithm, err = pathdedup.ParseAlgorithm(value.(string))
		case "compression-format":
			merged.Compression.Format, err = codec.ParseFormat(value.(string))
		case "compression-level":
			merged.Compression.Level, err = codec.ParseLevel(value.(string))
		case "min-compress-size":
			merged.Compression.MinSize = value.(int64)
		case "uncompressed-extensions":
			merged.Compression.UncompressedExtensions = value.([]string)
		case "metadata-driver":
			merged.Metadata.Driver, err = metastore.ParseDriver(value.(string))
		case "force":
			// Handled by the init command.
		default:
			plog.Debug("Ignoring unknown flag", "flag", name)
		}
		if err != nil {
			return Config{}, fmt.Errorf("--%s: %w", name, err)
		}
	}
	return merged, nil
}
