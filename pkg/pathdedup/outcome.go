package pathdedup

import (
	"fmt"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// Outcome is what happened to one work item.
type Outcome int

const (
	// DirVisited counts a subdirectory pushed onto the work list.
	DirVisited Outcome = iota
	// Unchanged means the checksum came from the identity cache and the content was already archived.
	Unchanged
	// Checksummed means the file was hashed but its content was already archived.
	Checksummed
	// StoredCompressed means new content was archived compressed.
	StoredCompressed
	// StoredUncompressed means new content was archived as is.
	StoredUncompressed
	// Failed means the file or directory could not be processed.
	Failed

	numOutcomes
)

var outcomeToString = map[Outcome]string{
	DirVisited:         "dirs_visited",
	Unchanged:          "unchanged",
	Checksummed:        "checksummed",
	StoredCompressed:   "stored_compressed",
	StoredUncompressed: "stored_uncompressed",
	Failed:             "errors",
}

func (o Outcome) String() string {
	if str, ok := outcomeToString[o]; ok {
		return str
	}
	return fmt.Sprintf("unknown_outcome(%d)", int(o))
}

// Counters tallies outcomes. Only the orchestrator goroutine mutates it.
type Counters [numOutcomes]int64

// Add records n occurrences of o.
func (c *Counters) Add(o Outcome, n int64) {
	c[o] += n
}

// Get returns the count for o.
func (c *Counters) Get(o Outcome) int64 {
	return c[o]
}

// Stored returns the number of files whose content was newly archived.
func (c *Counters) Stored() int64 {
	return c[StoredCompressed] + c[StoredUncompressed]
}

// Files returns the number of files processed, including failures.
func (c *Counters) Files() int64 {
	return c[Unchanged] + c[Checksummed] + c.Stored() + c[Failed]
}

// LogSummary logs every counter as one structured record.
func (c *Counters) LogSummary(msg string, args ...any) {
	for o := range numOutcomes {
		args = append(args, o.String(), c[o])
	}
	plog.Info(msg, args...)
}
