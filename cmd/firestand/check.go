package main

import (
	"fmt"
	"strings"

	"github.com/firestand/internal/config"
	"github.com/firestand/internal/switchmap"
)

// describe renders the resolved switch map and sequences, one line each.
func describe(cfg *config.Config) []string {
	m := switchmap.Build(cfg)

	var lines []string
	for _, node := range m.Nodes() {
		if node == config.ControllerNodeID {
			lines = append(lines, "node controller (local gpio)")
			continue
		}
		n, _ := cfg.Node(node)
		lines = append(lines, fmt.Sprintf("node %s at %s", node, n.IP))
	}

	for _, id := range m.Switches() {
		targets := make([]string, 0)
		for _, t := range m.Targets(id) {
			targets = append(targets, fmt.Sprintf("%s/%d", t.Node, t.Relay))
		}
		lines = append(lines, fmt.Sprintf("switch %s -> %s", id, strings.Join(targets, ", ")))
	}

	for _, seq := range cfg.Sequences {
		lines = append(lines, fmt.Sprintf("sequence %s: %d steps", switchmap.Normalize(seq.Name), len(seq.Steps)))
	}
	return lines
}
