// Package pathdedup backs up directory trees into a content-addressed
// archive. Every distinct content is stored once, unchanged files are not
// re-hashed, and each run writes an index of what every path contained.
package pathdedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-vault/pkg/archivedir"
	"github.com/paulschiretz/pgl-vault/pkg/codec"
	"github.com/paulschiretz/pgl-vault/pkg/keylock"
	"github.com/paulschiretz/pgl-vault/pkg/metastore"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/pool"
	"github.com/paulschiretz/pgl-vault/pkg/sharded"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

const (
	DefaultWorkers    = 20
	DefaultBufferSize = 8 * 1024
)

// ErrRunIncomplete is returned after a run in which at least one file or
// directory failed. The index and all archived content are kept; the run
// stays "in progress" in the metadata store.
var ErrRunIncomplete = errors.New("backup run incomplete")

// Options configures an Engine.
type Options struct {
	ArchiveRoot            string
	Includes               []string
	Excludes               []string
	MinCompressSize        int64
	UncompressedExtensions []string
	Workers                int
	BufferSize             int
	Algorithm              Algorithm
	// VerifyNew re-reads every newly archived object and checks its digest.
	VerifyNew        bool
	ProgressInterval time.Duration
	Metrics          bool
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunName   string
	IndexPath string
	Counters  Counters
	Duration  time.Duration
}

// Engine runs backups into one archive root.
type Engine struct {
	opts         Options
	store        metastore.Store
	codec        *codec.Codec
	locks        *keylock.Registry
	buffers      *pool.FixedBufferPool
	copier       contentCopier
	metrics      Metrics
	excludes     exclusionSet
	uncompressed map[string]struct{}

	dirGroup    singleflight.Group
	createdDirs *sharded.Map[struct{}]

	// readDir is swappable for tests.
	readDir func(name string) ([]os.DirEntry, error)
}

// runState is shared by all tasks of one run.
type runState struct {
	name  string
	index *IndexWriter
	// alloc is only touched under the global key.
	alloc *archivedir.Allocator
}

// New creates an engine. Zero-valued options get defaults.
func New(opts Options, store metastore.Store, c *codec.Codec) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	uncompressed := make(map[string]struct{}, len(opts.UncompressedExtensions))
	for _, ext := range opts.UncompressedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		uncompressed[ext] = struct{}{}
	}

	var metrics Metrics = &NoopMetrics{}
	if opts.Metrics {
		metrics = &VaultMetrics{}
	}
	buffers := pool.NewFixedBuffer(opts.BufferSize)

	return &Engine{
		opts:         opts,
		store:        store,
		codec:        c,
		locks:        keylock.New(),
		buffers:      buffers,
		copier:       NewCopier(c, opts.Algorithm, buffers, metrics),
		metrics:      metrics,
		excludes:     makeExclusionSet(opts.Excludes),
		uncompressed: uncompressed,
		createdDirs:  sharded.NewMap[struct{}](64),
		readDir:      os.ReadDir,
	}
}

// Run performs one backup run. It returns ErrRunIncomplete, together with a
// populated result, if any file or directory failed. Other errors mean the
// run could not be set up or its index could not be committed.
//
// Once started, a run is not interruptible; ctx cancellation is ignored.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	name, err := e.store.OpenBackupRun(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to open backup run: %w", err)
	}
	usage, err := e.store.ArchiveDirUsage(ctx)
	if err != nil {
		return RunResult{RunName: name}, fmt.Errorf("failed to load archive usage: %w", err)
	}
	run := &runState{name: name, alloc: archivedir.New(usage)}

	indexDir := filepath.Join(e.opts.ArchiveRoot, filepath.FromSlash(run.alloc.Next()))
	if err := e.ensureDir(indexDir); err != nil {
		return RunResult{RunName: name}, err
	}
	run.index, err = CreateIndex(e.codec, indexDir, name)
	if err != nil {
		return RunResult{RunName: name}, err
	}

	// The index only gets its final name on Commit; any other exit discards it.
	committed := false
	defer func() {
		if !committed {
			if abortErr := run.index.Abort(); abortErr != nil {
				plog.Warn("Failed to discard run index", "error", abortErr)
			}
		}
	}()

	plog.Info("Starting backup run", "run", name, "includes", len(e.opts.Includes), "workers", e.opts.Workers)
	e.metrics.StartProgress("Backup progress", e.opts.ProgressInterval)
	counters := e.walk(ctx, run)
	e.metrics.StopProgress()

	committed = true
	result := RunResult{RunName: name, Counters: counters}
	if err := run.index.Commit(); err != nil {
		return result, err
	}
	result.IndexPath = run.index.Path()
	result.Duration = time.Since(start)

	e.metrics.LogSummary("Backup finished")
	counters.LogSummary("Run summary", "run", name, "duration", result.Duration.Round(time.Millisecond))

	if n := counters.Get(Failed); n > 0 {
		return result, fmt.Errorf("%w: run %s had %d errors", ErrRunIncomplete, name, n)
	}
	if err := e.store.CompleteBackupRun(ctx, name); err != nil {
		return result, fmt.Errorf("failed to mark run %s complete: %w", name, err)
	}
	return result, nil
}

// walk traverses the includes and feeds regular files to the worker pool.
// At most 2*Workers tasks are queued or running at any time.
func (e *Engine) walk(ctx context.Context, run *runState) Counters {
	var counters Counters
	limit := 2 * e.opts.Workers
	tasks := make(chan string, limit)
	results := make(chan Outcome, limit)

	var g errgroup.Group
	for range e.opts.Workers {
		g.Go(func() error {
			for file := range tasks {
				results <- e.processFile(ctx, run, file)
			}
			return nil
		})
	}

	inflight := 0
	collect := func() {
		counters.Add(<-results, 1)
		inflight--
	}

	// rel is the slash-separated path below the include root.
	type workItem struct{ dir, rel string }
	work := make([]workItem, 0, len(e.opts.Includes))
	for i := len(e.opts.Includes) - 1; i >= 0; i-- {
		work = append(work, workItem{dir: filepath.Clean(e.opts.Includes[i])})
	}

	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]

		entries, err := e.readDir(item.dir)
		if err != nil {
			// os.ReadDir still returns the entries read before the error.
			logPathError("Failed to read directory", util.NormalizePath(item.dir), err)
			counters.Add(Failed, 1)
		}

		for _, entry := range entries {
			full := filepath.Join(item.dir, entry.Name())
			rel := path.Join(item.rel, entry.Name())
			if e.excludes.matches(util.NormalizePath(full), rel) {
				plog.Debug("Excluded", "path", full)
				continue
			}
			switch {
			case entry.Type().IsRegular():
				for inflight >= limit {
					collect()
				}
				tasks <- full
				inflight++
			case entry.IsDir():
				work = append(work, workItem{dir: full, rel: rel})
				counters.Add(DirVisited, 1)
			}
		}
	}

	close(tasks)
	for inflight > 0 {
		collect()
	}
	g.Wait()
	return counters
}

// ensureDir creates an archive directory once per engine, collapsing
// concurrent requests for the same path.
func (e *Engine) ensureDir(dir string) error {
	if _, ok := e.createdDirs.Load(dir); ok {
		return nil
	}
	_, err, _ := e.dirGroup.Do(dir, func() (any, error) {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
		}
		e.createdDirs.Store(dir, struct{}{})
		return nil, nil
	})
	return err
}
