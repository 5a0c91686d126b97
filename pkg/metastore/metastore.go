// Package metastore persists what the vault knows between runs: the
// checksum of each file identity, the archive location of each checksum,
// the entries of each backup run and the run bookkeeping itself.
//
// Every method is individually consistent. Check-then-act sequences that
// span several calls are serialized by the caller.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// CompressedSuffix marks archive objects stored compressed.
const CompressedSuffix = ".z"

const runNameLayout = "20060102T150405Z"

var (
	// ErrChecksumAlgorithmMismatch is returned when a store created for one
	// digest is opened for another.
	ErrChecksumAlgorithmMismatch = errors.New("metadata store was created with a different checksum algorithm")
	// ErrUnknownRun is returned when a run name does not exist.
	ErrUnknownRun = errors.New("unknown backup run")
)

// Identity is the cache key for a file's content at a point in time.
type Identity struct {
	Device  uint64
	Inode   uint64
	ModTime int64 // unix nanoseconds
}

func (id Identity) String() string {
	return fmt.Sprintf("%d:%d:%d", id.Device, id.Inode, id.ModTime)
}

// Location is where a checksum's content lives under the archive root.
type Location struct {
	Bucket     string
	Compressed bool
}

// Path returns the object path relative to the archive root for checksum.
func (l Location) Path(checksum string) string {
	name := checksum
	if l.Compressed {
		name += CompressedSuffix
	}
	return path.Join(l.Bucket, name)
}

// Run is the bookkeeping record of one backup run.
type Run struct {
	Name        string
	UUID        string
	StartedAt   time.Time
	CompletedAt time.Time // zero while in progress
	Entries     int
}

// Completed reports whether the run finished without errors.
func (r Run) Completed() bool {
	return !r.CompletedAt.IsZero()
}

// Store is the metadata contract used by the backup engine.
type Store interface {
	OpenBackupRun(ctx context.Context) (string, error)
	CompleteBackupRun(ctx context.Context, run string) error
	LookupChecksum(ctx context.Context, id Identity) (string, bool, error)
	RememberChecksum(ctx context.Context, id Identity, checksum string) error
	LookupArchiveDir(ctx context.Context, checksum string) (Location, bool, error)
	// RememberArchiveDir keeps the first location registered for a checksum.
	RememberArchiveDir(ctx context.Context, checksum string, loc Location) error
	AddBackupEntry(ctx context.Context, run, path string, modTime int64, checksum string) error
	ArchiveDirUsage(ctx context.Context) (map[string]int, error)
	ListRuns(ctx context.Context) ([]Run, error)
	Close() error
}

// DefaultFileName is the sqlite database file inside the archive root.
const DefaultFileName = "vault.db"

// Driver selects the Store implementation.
type Driver int

const (
	SQLite Driver = iota
	Memory
)

var driverToString = map[Driver]string{
	SQLite: "sqlite",
	Memory: "memory",
}

var stringToDriver map[string]Driver

func init() {
	stringToDriver = util.InvertMap(driverToString)
}

func (d Driver) String() string {
	if str, ok := driverToString[d]; ok {
		return str
	}
	return fmt.Sprintf("unknown_driver(%d)", int(d))
}

// ParseDriver parses a driver name. An empty string selects sqlite.
func ParseDriver(s string) (Driver, error) {
	if s == "" {
		return SQLite, nil
	}
	if d, ok := stringToDriver[strings.ToLower(s)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid metadata driver: %q. Must be 'sqlite' or 'memory'", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Driver) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Driver) UnmarshalText(text []byte) error {
	driver, err := ParseDriver(string(text))
	if err != nil {
		return err
	}
	*d = driver
	return nil
}

// Options configures Open.
type Options struct {
	Driver Driver
	// Path is the database file for the sqlite driver.
	Path string
	// Algorithm names the checksum digest. A store remembers the first
	// algorithm it was opened with and refuses any other.
	Algorithm string
	// Now overrides the clock used for run names.
	Now func() time.Time
}

// Open creates the Store selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case SQLite:
		return OpenSQLite(ctx, opts)
	case Memory:
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unsupported metadata driver %s", opts.Driver)
	}
}

func clock(opts Options) func() time.Time {
	if opts.Now != nil {
		return opts.Now
	}
	return time.Now
}

// runNameCandidate returns the n-th candidate name for a run started at t.
// The first candidate is the bare timestamp; collisions append -2, -3, ...
func runNameCandidate(t time.Time, n int) string {
	base := t.UTC().Format(runNameLayout)
	if n <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, n)
}
