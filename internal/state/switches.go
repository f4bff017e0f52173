package state

import (
	"sync"
	"time"
)

// SwitchTable records the last confirmed state of every switch. Writes come
// only from the command-processing path; reads may come from anywhere.
type SwitchTable struct {
	mu      sync.RWMutex
	states  map[string]bool
	updated time.Time
}

// NewSwitchTable creates an empty table
func NewSwitchTable() *SwitchTable {
	return &SwitchTable{states: make(map[string]bool)}
}

// Set records a confirmed state.
func (t *SwitchTable) Set(id string, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = on
	t.updated = time.Now()
}

// Get returns the state of id and whether it has ever been confirmed.
func (t *SwitchTable) Get(id string) (bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	on, ok := t.states[id]
	return on, ok
}

// Snapshot copies the whole table.
func (t *SwitchTable) Snapshot() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]bool, len(t.states))
	for id, on := range t.states {
		snapshot[id] = on
	}
	return snapshot
}

// Columns converts the table into a telemetry row.
func (t *SwitchTable) Columns() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	columns := make(map[string]interface{}, len(t.states))
	for id, on := range t.states {
		columns[id] = on
	}
	return columns
}

// Updated returns the time of the last Set.
func (t *SwitchTable) Updated() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updated
}
