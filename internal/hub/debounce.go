package hub

import (
	"sync"
	"time"
)

const defaultDebounceWindow = 500 * time.Millisecond

// Debouncer suppresses repeated notifications for the same node inside a
// time window.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDebouncer creates a Debouncer. A non-positive window uses 500ms.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &Debouncer{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// ShouldBroadcast reports whether nodeID may fire now and, if so, records
// the time.
func (d *Debouncer) ShouldBroadcast(nodeID string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.last[nodeID]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[nodeID] = now
	return true
}

// Clear forgets nodeID, or every node when nodeID is empty.
func (d *Debouncer) Clear(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if nodeID == "" {
		d.last = make(map[string]time.Time)
		return
	}
	delete(d.last, nodeID)
}
