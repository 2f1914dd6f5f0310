package limits

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashrun/ash/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultDiskCheckInterval is how often the monitor remeasures the
// workspace.
const DefaultDiskCheckInterval = 10 * time.Second

// DiskMonitor watches a workspace's recursive size and fires a callback
// once when it crosses the cap. The callback runs on the monitor goroutine;
// it is expected to schedule the eviction, not perform it inline.
type DiskMonitor struct {
	workspaceDir string
	limitBytes   int64
	interval     time.Duration
	onExceed     func(sizeBytes int64)
	log          *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDiskMonitor builds a monitor for workspaceDir capped at limitMB. A
// non-positive interval falls back to the default.
func NewDiskMonitor(workspaceDir string, limitMB int, interval time.Duration, log *logger.Logger, onExceed func(sizeBytes int64)) *DiskMonitor {
	if interval <= 0 {
		interval = DefaultDiskCheckInterval
	}
	return &DiskMonitor{
		workspaceDir: workspaceDir,
		limitBytes:   int64(limitMB) << 20,
		interval:     interval,
		onExceed:     onExceed,
		log:          log.WithFields(zap.String("component", "disk-monitor")),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the monitor goroutine. No-op when the cap is disabled.
func (m *DiskMonitor) Start() {
	if m.limitBytes <= 0 {
		close(m.doneCh)
		return
	}
	go m.run()
}

// Stop halts the monitor and waits for the goroutine to exit. Safe to call
// more than once.
func (m *DiskMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *DiskMonitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			size := WorkspaceSize(m.workspaceDir)
			if size <= m.limitBytes {
				continue
			}
			m.log.Warn("workspace over disk cap",
				zap.String("workspace", m.workspaceDir),
				zap.Int64("size_bytes", size),
				zap.Int64("limit_bytes", m.limitBytes))
			if m.onExceed != nil {
				m.onExceed(size)
			}
			// One shot: the sandbox is being evicted, no point remeasuring.
			return
		}
	}
}

// WorkspaceSize returns the total size in bytes of regular files under dir.
// Unreadable entries are skipped rather than failing the walk.
func WorkspaceSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
