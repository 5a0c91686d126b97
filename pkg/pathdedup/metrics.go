package pathdedup

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// Metrics collects throughput statistics while a run is in progress.
type Metrics interface {
	AddFilesProcessed(n int64)
	AddFilesHashed(n int64)
	AddBytesHashed(n int64)
	AddBytesArchived(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// VaultMetrics holds the atomic counters for a backup run.
type VaultMetrics struct {
	FilesProcessed atomic.Int64
	FilesHashed    atomic.Int64
	BytesHashed    atomic.Int64
	BytesArchived  atomic.Int64

	stopChan  chan struct{}
	doneChan  chan struct{}
	startTime time.Time
}

func (m *VaultMetrics) AddFilesProcessed(n int64) { m.FilesProcessed.Add(n) }
func (m *VaultMetrics) AddFilesHashed(n int64)    { m.FilesHashed.Add(n) }
func (m *VaultMetrics) AddBytesHashed(n int64)    { m.BytesHashed.Add(n) }
func (m *VaultMetrics) AddBytesArchived(n int64)  { m.BytesArchived.Add(n) }

func (m *VaultMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

// StopProgress stops the ticker and returns once no progress line is being
// written anymore.
func (m *VaultMetrics) StopProgress() {
	if m.stopChan == nil {
		return
	}
	close(m.stopChan)
	<-m.doneChan
	m.stopChan, m.doneChan = nil, nil
}

// LogSummary logs the current counters. It is called by the progress ticker
// and once at the end of the run.
func (m *VaultMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"files_processed", m.FilesProcessed.Load(),
		"files_hashed", m.FilesHashed.Load(),
		"bytes_hashed", humanize.IBytes(uint64(m.BytesHashed.Load())),
		"bytes_archived", humanize.IBytes(uint64(m.BytesArchived.Load())),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesProcessed(n int64)                        {}
func (m *NoopMetrics) AddFilesHashed(n int64)                           {}
func (m *NoopMetrics) AddBytesHashed(n int64)                           {}
func (m *NoopMetrics) AddBytesArchived(n int64)                         {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*VaultMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
