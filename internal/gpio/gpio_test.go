package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestand/internal/config"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(8)

	require.NoError(t, m.Set(3, true))
	on, err := m.Get(3)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, m.Writes())

	assert.ErrorIs(t, m.Set(0, true), ErrNoSuchRelay)
	assert.ErrorIs(t, m.Set(9, true), ErrNoSuchRelay)
	_, err = m.Get(9)
	assert.ErrorIs(t, err, ErrNoSuchRelay)
}

func TestMemoryStuckRelay(t *testing.T) {
	m := NewMemory(8)
	m.Stick(2, true)

	require.NoError(t, m.Set(2, true))
	on, err := m.Get(2)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestSafeAll(t *testing.T) {
	m := NewMemory(8)
	for relay := 1; relay <= 8; relay++ {
		require.NoError(t, m.Set(relay, true))
	}

	require.NoError(t, SafeAll(m))
	assert.Equal(t, make([]bool, 8), m.States())
}

func TestMemoryCloseSafes(t *testing.T) {
	m := NewMemory(8)
	require.NoError(t, m.Set(8, true))

	require.NoError(t, m.Close())
	assert.Equal(t, make([]bool, 8), m.States())
}

func TestOpen(t *testing.T) {
	d, err := Open(config.GPIOConfig{Driver: "memory", Pins: []int{5, 6, 13, 16, 19, 20, 21, 26}})
	require.NoError(t, err)
	assert.Equal(t, 8, d.Relays())

	_, err = Open(config.GPIOConfig{Driver: "sysfs"})
	assert.Error(t, err)
}
