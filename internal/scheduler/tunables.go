package scheduler

import (
	"sync"

	"github.com/docrelay/extraction-service/internal/config"
)

// Tunables holds the queue and monitor settings that may be hot-reloaded
// while the polling loops keep running. Reads are cheap; the loops re-read
// on every cycle instead of caching values.
type Tunables struct {
	mu      sync.RWMutex
	queue   config.QueueConfig
	monitor config.MonitorConfig
}

// NewTunables creates a Tunables snapshot from the loaded configuration.
func NewTunables(queue config.QueueConfig, monitor config.MonitorConfig) *Tunables {
	return &Tunables{queue: queue, monitor: monitor}
}

// Queue returns the current queue settings.
func (t *Tunables) Queue() config.QueueConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queue
}

// Monitor returns the current monitor thresholds.
func (t *Tunables) Monitor() config.MonitorConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.monitor
}

// Update replaces both sections atomically. Called on SIGHUP reload.
func (t *Tunables) Update(queue config.QueueConfig, monitor config.MonitorConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = queue
	t.monitor = monitor
}
