package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := getDefaultConfig()

	assert.Equal(t, 9600, cfg.Listen.Port)
	assert.Equal(t, 5, cfg.Timing.MaxAttempts)
	assert.Equal(t, []int{5, 6, 13, 16, 19, 20, 21, 26}, cfg.GPIO.Pins)
	assert.Equal(t, "controls_data", cfg.Telemetry.Table)

	controller, ok := cfg.Node(ControllerNodeID)
	require.True(t, ok)
	assert.True(t, controller.Enabled)
	assert.Len(t, controller.Relays, RelaysPerNode)

	require.Len(t, cfg.Sequences, 1)
	assert.Equal(t, "fire", cfg.Sequences[0].Name)
	steps := cfg.Sequences[0].Steps
	require.Len(t, steps, 2*RelaysPerNode)
	assert.Equal(t, StepConfig{Node: ControllerNodeID, Relay: 1, State: true, DelayMs: 500}, steps[0])
	assert.Equal(t, StepConfig{Node: ControllerNodeID, Relay: 8, State: true, DelayMs: 500}, steps[7])
	assert.Equal(t, StepConfig{Node: "1", Relay: 1, State: true, DelayMs: 500}, steps[8])
	assert.Equal(t, StepConfig{Node: "1", Relay: 8, State: true, DelayMs: 500}, steps[15])

	require.NoError(t, validateConfig(cfg))
}

func TestLoadConfigFromRepositoryFile(t *testing.T) {
	cfg := getDefaultConfig()
	err := loadFromFile(cfg, "../../config/default.yaml")
	require.NoError(t, err)
	require.NoError(t, validateConfig(cfg))

	worker, ok := cfg.Node("1")
	require.True(t, ok)
	assert.True(t, worker.Enabled)
	assert.Equal(t, "192.168.1.31", worker.IP)
	assert.Equal(t, "periph", cfg.GPIO.Driver)
	assert.Len(t, cfg.EnabledWorkers(), 1)
}

func TestLoadConfigFromNonExistentFile(t *testing.T) {
	cfg := &Config{}
	err := loadFromFile(cfg, "non-existent-file.yaml")
	assert.Error(t, err)
}

func TestLoadWithoutDefaultFileWarns(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FIRESTAND_CONFIG", "")

	var buf bytes.Buffer
	saved := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = saved })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9600, cfg.Listen.Port)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), defaultConfigPath)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stand.yaml")
	content := `
console:
  ip: 10.0.0.5
nodes:
  - id: controller
    enabled: true
    relays:
      - {index: 1, switch: "12"}
timing:
  ackTimeoutMs: 100
  maxAttempts: 3
sequences:
  - name: fire
    steps:
      - {node: controller, relay: 1, state: true}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Console.IP)
	assert.Equal(t, 3, cfg.Timing.MaxAttempts)
	assert.Equal(t, 100, cfg.Timing.AckTimeoutMs)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "12", cfg.Nodes[0].Relays[0].Switch)
	require.Len(t, cfg.Sequences, 1)
	assert.Len(t, cfg.Sequences[0].Steps, 1)
}

func TestLoadRejectsDefaultSequenceForMissingWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stand.yaml")
	content := `
nodes:
  - id: controller
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown node 1")
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := getDefaultConfig()

	t.Setenv("FIRESTAND_CONSOLE_IP", "10.1.1.1")
	t.Setenv("FIRESTAND_LISTEN_PORT", "9700")
	t.Setenv("FIRESTAND_LOG_LEVEL", "debug")
	t.Setenv("FIRESTAND_TELEMETRY_URL", "http://questdb:9000")

	applyEnvOverrides(cfg)

	assert.Equal(t, "10.1.1.1", cfg.Console.IP)
	assert.Equal(t, 9700, cfg.Listen.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "http://questdb:9000", cfg.Telemetry.URL)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestInvalidPortOverrideIgnored(t *testing.T) {
	cfg := getDefaultConfig()
	t.Setenv("FIRESTAND_LISTEN_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	assert.Equal(t, 9600, cfg.Listen.Port)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad console ip", func(c *Config) { c.Console.IP = "nope" }},
		{"no controller", func(c *Config) { c.Nodes = c.Nodes[1:] }},
		{"duplicate node", func(c *Config) { c.Nodes = append(c.Nodes, c.Nodes[0]) }},
		{"enabled worker without ip", func(c *Config) { c.Nodes[1].Enabled = true; c.Nodes[1].IP = "" }},
		{"worker ip equals console", func(c *Config) { c.Nodes[1].Enabled = true; c.Nodes[1].IP = c.Console.IP }},
		{"worker ip written differently from console", func(c *Config) {
			c.Console.IP = "::ffff:10.0.0.5"
			c.Nodes[1].Enabled = true
			c.Nodes[1].IP = "10.0.0.5"
		}},
		{"two workers share an ip", func(c *Config) {
			c.Nodes[1].Enabled = true
			c.Nodes = append(c.Nodes, NodeConfig{ID: "2", Enabled: true, IP: c.Nodes[1].IP})
		}},
		{"relay out of range", func(c *Config) { c.Nodes[0].Relays[0].Index = 9 }},
		{"relay assigned twice", func(c *Config) { c.Nodes[0].Relays[1].Index = 1 }},
		{"relay without switch", func(c *Config) { c.Nodes[0].Relays[0].Switch = " " }},
		{"unknown driver", func(c *Config) { c.GPIO.Driver = "sysfs" }},
		{"short pin list", func(c *Config) { c.GPIO.Pins = []int{5} }},
		{"zero attempts", func(c *Config) { c.Timing.MaxAttempts = 0 }},
		{"ack timeout too long", func(c *Config) { c.Timing.AckTimeoutMs = 10000 }},
		{"sequence unknown node", func(c *Config) { c.Sequences[0].Steps[0].Node = "9" }},
		{"sequence bad relay", func(c *Config) { c.Sequences[0].Steps[0].Relay = 0 }},
		{"duplicate sequence", func(c *Config) { c.Sequences = append(c.Sequences, SequenceConfig{Name: "FIRE"}) }},
		{"telemetry without url", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.URL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestValidateConfigIgnoresDisabledWorkerAddress(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Nodes[1].Enabled = false
	cfg.Nodes[1].IP = cfg.Console.IP
	cfg.Nodes = append(cfg.Nodes, NodeConfig{ID: "2", IP: cfg.Console.IP})

	assert.NoError(t, validateConfig(cfg))
}

func TestTimingDurations(t *testing.T) {
	timing := TimingConfig{AckTimeoutMs: 150, RetryBackoffMs: 20, DrainWindowMs: 1, StartupTimeoutSec: 3, ReconnectMaxSec: 5, ShutdownTimeoutSec: 2}

	assert.Equal(t, "150ms", timing.AckTimeout().String())
	assert.Equal(t, "20ms", timing.RetryBackoff().String())
	assert.Equal(t, "1ms", timing.DrainWindow().String())
	assert.Equal(t, "3s", timing.StartupTimeout().String())
	assert.Equal(t, "5s", timing.ReconnectMax().String())
	assert.Equal(t, "2s", timing.ShutdownTimeout().String())
}
