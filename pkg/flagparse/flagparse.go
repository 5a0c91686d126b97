package flagparse

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
)

// usageOutput receives help text.
var usageOutput io.Writer = os.Stderr

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	LogFile  *string
	Quiet    *bool
	Metrics  *bool

	// Shared: Backup / Init / Runs
	Root *string

	// Shared: Backup / Init
	Includes               *string
	Excludes               *string
	Workers                *int
	BufferSizeKB           *int
	ChecksumAlgorithm      *string
	CompressionFormat      *string
	CompressionLevel       *string
	MinCompressSize        *int64
	UncompressedExtensions *string
	MetadataDriver         *string
	ProgressInterval       *int

	// Backup specific
	VerifyNew *bool

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.LogFile = fs.String("log-file", "", "Also write logs to this file, rotated by size.")
	f.Quiet = fs.BoolP("quiet", "q", false, "Suppress informational output.")
	f.Metrics = fs.Bool("metrics", false, "Enable throughput metrics and the progress ticker.")
}

func registerEngineFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.Includes = fs.String("include", "", "Comma-separated list of directories to back up.")
	f.Excludes = fs.String("exclude", "", "Comma-separated list of case-insensitive exclude patterns (supports glob patterns).")
	f.Workers = fs.Int("workers", 0, "Number of concurrent file tasks.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Chunk size in kilobytes for hashing and copying.")
	f.ChecksumAlgorithm = fs.String("checksum-algorithm", "", "Content checksum: 'sha256' or 'blake3'.")
	f.CompressionFormat = fs.String("compression-format", "", "Compression format: 'zstd', 'gzip' or 'lz4'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.MinCompressSize = fs.Int64("min-compress-size", 0, "Files smaller than this many bytes are stored uncompressed.")
	f.UncompressedExtensions = fs.String("uncompressed-extensions", "", "Comma-separated list of extensions that are never compressed.")
	f.MetadataDriver = fs.String("metadata-driver", "", "Metadata store driver: 'sqlite' or 'memory'.")
	f.ProgressInterval = fs.Int("progress-interval", 0, "Seconds between progress log lines when metrics are enabled (0=off).")
}

func registerBackupFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.Root = fs.StringP("root", "r", "", "Archive root directory (containing the config). (Required)")
	registerEngineFlags(fs, f)
	f.VerifyNew = fs.Bool("verify-new", false, "Read back and verify every newly stored object.")
}

func registerInitFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.Root = fs.StringP("root", "r", "", "Archive root directory to initialize. (Required)")
	registerEngineFlags(fs, f)
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration.")
}

func registerRunsFlags(fs *pflag.FlagSet, f *cliFlags) {
	f.Root = fs.StringP("root", "r", "", "Archive root directory (containing the config). (Required)")
	f.MetadataDriver = fs.String("metadata-driver", "", "Metadata store driver: 'sqlite' or 'memory'.")
}

var commandDescriptions = map[Command]string{
	Backup: "Back up the configured directories into the archive.",
	Init:   "Initialize a new archive root.",
	Runs:   "List the recorded backup runs.",
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// the flags the user set explicitly.
func Parse(args []string) (Command, map[string]any, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		printTopLevelUsage()
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage()
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	f := &cliFlags{}
	fs := pflag.NewFlagSet(command.String(), pflag.ContinueOnError)
	fs.SetOutput(usageOutput)

	switch command {
	case Backup:
		registerGlobalFlags(fs, f)
		registerBackupFlags(fs, f)
	case Init:
		registerGlobalFlags(fs, f)
		registerInitFlags(fs, f)
	case Runs:
		registerGlobalFlags(fs, f)
		registerRunsFlags(fs, f)
	case Version:
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	fs.Usage = func() {
		printSubcommandUsage(command, commandDescriptions[command], fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return None, nil, nil
		}
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %s", command, strings.Join(fs.Args(), " "))
	}
	return command, flagsToMap(fs, f), nil
}

func flagsToMap(fs *pflag.FlagSet, f *cliFlags) map[string]any {
	// Only flags the user set explicitly are returned, so they can
	// selectively override the configuration file.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "root", f.Root)
	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "checksum-algorithm", f.ChecksumAlgorithm)
	addIfUsed(flagMap, usedFlags, "compression-format", f.CompressionFormat)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)
	addIfUsed(flagMap, usedFlags, "min-compress-size", f.MinCompressSize)
	addIfUsed(flagMap, usedFlags, "metadata-driver", f.MetadataDriver)
	addIfUsed(flagMap, usedFlags, "progress-interval", f.ProgressInterval)
	addIfUsed(flagMap, usedFlags, "verify-new", f.VerifyNew)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing.
	addParsedIfUsed(flagMap, usedFlags, "include", f.Includes, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Excludes, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "uncompressed-extensions", f.UncompressedExtensions, ParseExcludeList)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage() {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(usageOutput, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(usageOutput, "A deduplicating, content-addressed backup tool.\n\n")
	fmt.Fprintf(usageOutput, "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(usageOutput, "Commands:\n")
	fmt.Fprintf(usageOutput, "  backup      Back up the configured directories\n")
	fmt.Fprintf(usageOutput, "  init        Initialize a new archive root\n")
	fmt.Fprintf(usageOutput, "  runs        List recorded backup runs\n")
	fmt.Fprintf(usageOutput, "  version     Print the application version\n")
	fmt.Fprintf(usageOutput, "\nRun '%s <command> --help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *pflag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(usageOutput, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(usageOutput, "A deduplicating, content-addressed backup tool.\n\n")
	fmt.Fprintf(usageOutput, "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(usageOutput, "%s\n\n", desc)
	fmt.Fprintf(usageOutput, "Flags:\n")
	fs.PrintDefaults()
}

// ParseExcludeList parses a comma-separated list of paths or patterns.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
func parseListInternal(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
