// Package gpio drives the relay outputs of a node. Relays are numbered
// 1..N and map onto the configured pin list in order.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/firestand/internal/config"
)

// ErrNoSuchRelay is returned for relay numbers outside the driver's range.
var ErrNoSuchRelay = errors.New("no such relay")

// Driver sets and reads relay outputs.
type Driver interface {
	Set(relay int, on bool) error
	Get(relay int) (bool, error)
	Relays() int
	Close() error
}

// Open returns the driver named in cfg.
func Open(cfg config.GPIOConfig) (Driver, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(len(cfg.Pins)), nil
	case "periph":
		return NewPeriph(cfg.Pins)
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", cfg.Driver)
	}
}

// SafeAll drives every relay off, attempting all of them even when some fail.
func SafeAll(d Driver) error {
	var errs []error
	for relay := 1; relay <= d.Relays(); relay++ {
		if err := d.Set(relay, false); err != nil {
			errs = append(errs, fmt.Errorf("relay %d: %w", relay, err))
		}
	}
	return errors.Join(errs...)
}

// Memory is an in-process driver used for dry runs and tests. A relay can be
// marked stuck so that writes to it are accepted but have no effect.
type Memory struct {
	mu     sync.Mutex
	states []bool
	stuck  map[int]bool
	writes int
}

func NewMemory(relays int) *Memory {
	return &Memory{
		states: make([]bool, relays),
		stuck:  make(map[int]bool),
	}
}

func (m *Memory) Set(relay int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if relay < 1 || relay > len(m.states) {
		return fmt.Errorf("%w: %d", ErrNoSuchRelay, relay)
	}
	m.writes++
	if !m.stuck[relay] {
		m.states[relay-1] = on
	}
	return nil
}

func (m *Memory) Get(relay int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if relay < 1 || relay > len(m.states) {
		return false, fmt.Errorf("%w: %d", ErrNoSuchRelay, relay)
	}
	return m.states[relay-1], nil
}

func (m *Memory) Relays() int {
	return len(m.states)
}

func (m *Memory) Close() error {
	return SafeAll(m)
}

// States returns a snapshot of relays 1..N.
func (m *Memory) States() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.states...)
}

// Writes counts Set calls that named a valid relay.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Stick freezes a relay at its current level.
func (m *Memory) Stick(relay int, stuck bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck[relay] = stuck
}

// Force sets a relay level directly, bypassing stuck relays and write counting.
func (m *Memory) Force(relay int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[relay-1] = on
}
