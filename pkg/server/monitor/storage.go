package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageMonitor tracks data-directory usage with caching to avoid expensive
// filesystem walks on every ingest.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a new storage monitor. An empty dataDir (memory
// storage) or non-positive maxBytes disables the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current storage usage in bytes (cached for 10s).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.dataDir == "" {
		return 0, nil
	}

	// Return cached value if still fresh
	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Exceeded reports whether usage has reached the limit.
func (sm *StorageMonitor) Exceeded() (bool, error) {
	if sm.dataDir == "" || sm.maxBytes <= 0 {
		return false, nil
	}
	usage, err := sm.GetUsage()
	if err != nil {
		return false, err
	}
	return usage >= sm.maxBytes, nil
}

// calculateDirSize recursively sums actual disk usage under path.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// File vanished mid-walk (badger compaction)
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		size += allocatedBytes(filePath, info)
		return nil
	})
	return size, err
}
