package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwitchTable(t *testing.T) {
	table := NewSwitchTable()

	_, ok := table.Get("3")
	assert.False(t, ok)
	assert.True(t, table.Updated().IsZero())

	table.Set("3", true)
	table.Set("FIRE", false)
	table.Set("3", false)

	on, ok := table.Get("3")
	assert.True(t, ok)
	assert.False(t, on)
	assert.Equal(t, map[string]bool{"3": false, "FIRE": false}, table.Snapshot())
	assert.Equal(t, map[string]interface{}{"3": false, "FIRE": false}, table.Columns())
	assert.False(t, table.Updated().IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	table := NewSwitchTable()
	table.Set("1", true)

	snapshot := table.Snapshot()
	snapshot["1"] = false

	on, _ := table.Get("1")
	assert.True(t, on)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	table := NewSwitchTable()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			table.Set("1", i%2 == 0)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = table.Snapshot()
				_, _ = table.Get("1")
			}
		}()
	}
	wg.Wait()

	on, ok := table.Get("1")
	assert.True(t, ok)
	assert.False(t, on)
}
