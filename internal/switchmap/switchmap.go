// Package switchmap resolves logical switches to the relays that implement
// them. A Map is built once from static configuration and is read-only
// afterwards, so it is safe for concurrent use.
package switchmap

import (
	"sort"
	"strconv"
	"strings"

	"github.com/firestand/internal/config"
)

// Target is one relay on one node.
type Target struct {
	Node  string
	Relay int
}

// Map holds switch id -> relay targets for every enabled node.
type Map struct {
	targets map[string][]Target
	nodes   []string
}

// Build walks every enabled node and every relay it owns, appending the
// (node, relay) pair to the relay's switch.
func Build(cfg *config.Config) *Map {
	m := &Map{targets: make(map[string][]Target)}

	for _, node := range cfg.Nodes {
		if !node.Enabled {
			continue
		}
		m.nodes = append(m.nodes, node.ID)

		relays := append([]config.RelayConfig(nil), node.Relays...)
		sort.Slice(relays, func(i, j int) bool { return relays[i].Index < relays[j].Index })
		for _, relay := range relays {
			id := Normalize(relay.Switch)
			m.targets[id] = append(m.targets[id], Target{Node: node.ID, Relay: relay.Index})
		}
	}

	return m
}

// Targets returns the relays driven by a switch. Unknown switches resolve to
// an empty list.
func (m *Map) Targets(switchID string) []Target {
	targets := m.targets[Normalize(switchID)]
	return append([]Target(nil), targets...)
}

// Has reports whether any enabled relay is assigned to the switch.
func (m *Map) Has(switchID string) bool {
	return len(m.targets[Normalize(switchID)]) > 0
}

// Switches lists every mapped switch id in sorted order.
func (m *Map) Switches() []string {
	ids := make([]string, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nodes lists the enabled node ids in configuration order.
func (m *Map) Nodes() []string {
	return append([]string(nil), m.nodes...)
}

// Normalize canonicalizes a switch id so configuration and decoded commands
// agree: numeric ids lose leading zeros, symbolic ids are upper-cased with
// single spaces.
func Normalize(id string) string {
	id = strings.Join(strings.Fields(id), " ")
	if n, err := strconv.ParseUint(id, 10, 32); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return strings.ToUpper(id)
}
