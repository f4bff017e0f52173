package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestand/internal/config"
)

func TestDescribe(t *testing.T) {
	cfg := config.Default()
	cfg.Nodes[1].Enabled = true
	cfg.Nodes[1].Relays = []config.RelayConfig{{Index: 2, Switch: "3"}}

	lines := describe(cfg)

	assert.Contains(t, lines, "node controller (local gpio)")
	assert.Contains(t, lines, "node 1 at 192.168.1.31")
	assert.Contains(t, lines, "switch 3 -> controller/3, 1/2")
	assert.Contains(t, lines, "switch FIRE -> controller/8")
	assert.Contains(t, lines, "sequence FIRE: 16 steps")
}

func TestCheckCommand(t *testing.T) {
	t.Chdir("../..")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "console 192.168.1.10, listening on :9600")
	assert.Contains(t, out.String(), "switch ENABLE FIRE")
}

func TestWorkerRequiresNode(t *testing.T) {
	rootCmd.SetArgs([]string{"worker"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	assert.Error(t, err)
}
