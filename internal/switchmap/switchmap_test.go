package switchmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/firestand/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Nodes: []config.NodeConfig{
			{
				ID:      config.ControllerNodeID,
				Enabled: true,
				Relays: []config.RelayConfig{
					{Index: 3, Switch: "3"},
					{Index: 1, Switch: "1"},
					{Index: 7, Switch: "enable  fire"},
					{Index: 8, Switch: "FIRE"},
				},
			},
			{
				ID:      "1",
				Enabled: true,
				IP:      "10.0.0.2",
				Relays: []config.RelayConfig{
					{Index: 2, Switch: "03"},
					{Index: 4, Switch: "9"},
				},
			},
			{
				ID:      "2",
				Enabled: false,
				IP:      "10.0.0.3",
				Relays: []config.RelayConfig{
					{Index: 1, Switch: "1"},
				},
			},
		},
	}
}

func TestBuild(t *testing.T) {
	m := Build(testConfig())

	assert.Equal(t, []Target{{Node: "controller", Relay: 3}, {Node: "1", Relay: 2}}, m.Targets("3"))
	assert.Equal(t, []Target{{Node: "controller", Relay: 1}}, m.Targets("1"), "disabled node must not contribute")
	assert.Equal(t, []Target{{Node: "controller", Relay: 7}}, m.Targets("ENABLE FIRE"))
	assert.Equal(t, []Target{{Node: "1", Relay: 4}}, m.Targets("009"))
	assert.Equal(t, []string{"controller", "1"}, m.Nodes())
	assert.Equal(t, []string{"1", "3", "9", "ENABLE FIRE", "FIRE"}, m.Switches())
}

func TestUnknownSwitchResolvesEmpty(t *testing.T) {
	m := Build(testConfig())

	assert.Empty(t, m.Targets("99"))
	assert.False(t, m.Has("99"))
	assert.True(t, m.Has("fire"))
}

func TestTargetsReturnsCopy(t *testing.T) {
	m := Build(testConfig())

	targets := m.Targets("3")
	targets[0].Relay = 8

	assert.Equal(t, 3, m.Targets("3")[0].Relay)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "7", Normalize("007"))
	assert.Equal(t, "ENABLE FIRE", Normalize(" enable   fire "))
	assert.Equal(t, "FIRE", Normalize("fire"))
}

func TestConcurrentReads(t *testing.T) {
	m := Build(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.Targets("3")
				_ = m.Has("FIRE")
			}
		}()
	}
	wg.Wait()
}
