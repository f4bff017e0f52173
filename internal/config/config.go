package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// ControllerNodeID is the reserved id of the node that drives its relays
// through local GPIO and accepts the console connection.
const ControllerNodeID = "controller"

// RelaysPerNode is the number of relay outputs on every node.
const RelaysPerNode = 8

const defaultConfigPath = "config/default.yaml"

// Config represents the complete static description of the test stand
type Config struct {
	Listen            ListenConfig     `yaml:"listen"`
	Console           ConsoleConfig    `yaml:"console"`
	ControllerAddress string           `yaml:"controllerAddress"`
	Nodes             []NodeConfig     `yaml:"nodes"`
	GPIO              GPIOConfig       `yaml:"gpio"`
	Timing            TimingConfig     `yaml:"timing"`
	Sequences         []SequenceConfig `yaml:"sequences"`
	Telemetry         TelemetryConfig  `yaml:"telemetry"`
	Logging           LoggingConfig    `yaml:"logging"`
}

// ListenConfig holds the controller's listening sockets
type ListenConfig struct {
	Port       int `yaml:"port"`
	StatusPort int `yaml:"statusPort"` // 0 disables the status endpoint
}

// ConsoleConfig identifies the operator console by source address
type ConsoleConfig struct {
	IP string `yaml:"ip"`
}

// NodeConfig describes one controller or worker node
type NodeConfig struct {
	ID      string        `yaml:"id"`
	Enabled bool          `yaml:"enabled"`
	IP      string        `yaml:"ip"`
	BindIP  string        `yaml:"bindIp"`
	Relays  []RelayConfig `yaml:"relays"`
}

// RelayConfig binds a relay output to a logical switch
type RelayConfig struct {
	Index  int    `yaml:"index"`
	Switch string `yaml:"switch"`
}

// GPIOConfig selects the relay output driver
type GPIOConfig struct {
	Driver string `yaml:"driver"` // memory or periph
	Pins   []int  `yaml:"pins"`   // BCM numbers for relays 1..8
	Verify bool   `yaml:"verify"`
}

// TimingConfig holds delivery and lifecycle timing
type TimingConfig struct {
	AckTimeoutMs       int `yaml:"ackTimeoutMs"`
	MaxAttempts        int `yaml:"maxAttempts"`
	RetryBackoffMs     int `yaml:"retryBackoffMs"`
	DrainWindowMs      int `yaml:"drainWindowMs"`
	StartupTimeoutSec  int `yaml:"startupTimeoutSec"` // 0 waits forever
	ReconnectMaxSec    int `yaml:"reconnectMaxSec"`
	ShutdownTimeoutSec int `yaml:"shutdownTimeoutSec"`
}

// SequenceConfig describes a named actuation macro
type SequenceConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig is a single relay actuation followed by a delay
type StepConfig struct {
	Node    string `yaml:"node"`
	Relay   int    `yaml:"relay"`
	State   bool   `yaml:"state"`
	DelayMs int    `yaml:"delayMs"`
}

// TelemetryConfig holds the time-series sink settings
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	Table   string `yaml:"table"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Console    bool   `yaml:"console"`
}

// AckTimeout is the per-attempt wait for a worker reply.
func (t TimingConfig) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutMs) * time.Millisecond
}

func (t TimingConfig) RetryBackoff() time.Duration {
	return time.Duration(t.RetryBackoffMs) * time.Millisecond
}

func (t TimingConfig) DrainWindow() time.Duration {
	return time.Duration(t.DrainWindowMs) * time.Millisecond
}

func (t TimingConfig) StartupTimeout() time.Duration {
	return time.Duration(t.StartupTimeoutSec) * time.Second
}

func (t TimingConfig) ReconnectMax() time.Duration {
	return time.Duration(t.ReconnectMaxSec) * time.Second
}

func (t TimingConfig) ShutdownTimeout() time.Duration {
	return time.Duration(t.ShutdownTimeoutSec) * time.Second
}

// Delay returns the pause after the step's actuation.
func (s StepConfig) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

// Node returns the node with the given id.
func (c *Config) Node(id string) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// EnabledWorkers returns every enabled node other than the controller, in
// configuration order.
func (c *Config) EnabledWorkers() []NodeConfig {
	var workers []NodeConfig
	for _, n := range c.Nodes {
		if n.Enabled && n.ID != ControllerNodeID {
			workers = append(workers, n)
		}
	}
	return workers
}

// Load loads configuration from defaults, an optional file, and environment variables
func Load(path string) (*Config, error) {
	cfg := getDefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if err := loadFromFile(cfg, defaultConfigPath); err != nil {
		// If default config doesn't exist, continue with defaults
		log.Warn().Err(err).Str("path", defaultConfigPath).Msg("could not load default config")
	}

	if override := os.Getenv("FIRESTAND_CONFIG"); override != "" {
		if err := loadFromFile(cfg, override); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", override, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in stand description.
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig returns the default configuration
func getDefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:       9600,
			StatusPort: 9601,
		},
		Console: ConsoleConfig{
			IP: "192.168.1.10",
		},
		ControllerAddress: "192.168.1.30:9600",
		Nodes: []NodeConfig{
			{
				ID:      ControllerNodeID,
				Enabled: true,
				Relays: []RelayConfig{
					{Index: 1, Switch: "1"}, // NOX fill
					{Index: 2, Switch: "2"}, // NOX vent
					{Index: 3, Switch: "3"}, // NOX relief
					{Index: 4, Switch: "4"}, // N2 fill
					{Index: 5, Switch: "5"}, // N2 vent
					{Index: 6, Switch: "6"}, // continuity
					{Index: 7, Switch: "ENABLE FIRE"},
					{Index: 8, Switch: "FIRE"},
				},
			},
			{
				ID:      "1",
				Enabled: false,
				IP:      "192.168.1.31",
			},
		},
		GPIO: GPIOConfig{
			Driver: "memory",
			Pins:   []int{5, 6, 13, 16, 19, 20, 21, 26},
		},
		Timing: TimingConfig{
			AckTimeoutMs:       150,
			MaxAttempts:        5,
			RetryBackoffMs:     0,
			DrainWindowMs:      1,
			StartupTimeoutSec:  0,
			ReconnectMaxSec:    5,
			ShutdownTimeoutSec: 5,
		},
		Sequences: []SequenceConfig{
			{Name: "fire", Steps: fireTestSteps()},
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			URL:     "http://localhost:9000",
			Org:     "firestand",
			Bucket:  "qdb",
			Table:   "controls_data",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Console:    true,
		},
	}
}

// fireTestSteps walks every relay on, controller first and then worker 1,
// half a second apart. Steps for a disabled worker are dropped at startup.
func fireTestSteps() []StepConfig {
	steps := make([]StepConfig, 0, 2*RelaysPerNode)
	for _, node := range []string{ControllerNodeID, "1"} {
		for relay := 1; relay <= RelaysPerNode; relay++ {
			steps = append(steps, StepConfig{Node: node, Relay: relay, State: true, DelayMs: 500})
		}
	}
	return steps
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if ip := os.Getenv("FIRESTAND_CONSOLE_IP"); ip != "" {
		cfg.Console.IP = ip
	}

	if port := os.Getenv("FIRESTAND_LISTEN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Listen.Port = p
		}
	}

	if level := os.Getenv("FIRESTAND_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if url := os.Getenv("FIRESTAND_TELEMETRY_URL"); url != "" {
		cfg.Telemetry.URL = url
		cfg.Telemetry.Enabled = true
	}

	if token := os.Getenv("FIRESTAND_TELEMETRY_TOKEN"); token != "" {
		cfg.Telemetry.Token = token
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", cfg.Listen.Port)
	}

	if net.ParseIP(cfg.Console.IP) == nil {
		return fmt.Errorf("invalid console ip %q", cfg.Console.IP)
	}

	addrs := map[string]string{net.ParseIP(cfg.Console.IP).String(): "console"}
	seen := make(map[string]bool)
	controllers := 0
	for _, node := range cfg.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node without id")
		}
		if seen[node.ID] {
			return fmt.Errorf("duplicate node id %s", node.ID)
		}
		seen[node.ID] = true

		if node.ID == ControllerNodeID {
			controllers++
		} else if node.Enabled {
			ip := net.ParseIP(node.IP)
			if ip == nil {
				return fmt.Errorf("node %s: invalid ip %q", node.ID, node.IP)
			}
			// Peers are told apart by address alone.
			if owner, taken := addrs[ip.String()]; taken {
				return fmt.Errorf("node %s: ip %s already used by %s", node.ID, node.IP, owner)
			}
			addrs[ip.String()] = "node " + node.ID
		}

		relays := make(map[int]bool)
		for _, relay := range node.Relays {
			if relay.Index < 1 || relay.Index > RelaysPerNode {
				return fmt.Errorf("node %s: relay index %d outside [1, %d]", node.ID, relay.Index, RelaysPerNode)
			}
			if relays[relay.Index] {
				return fmt.Errorf("node %s: relay %d assigned twice", node.ID, relay.Index)
			}
			relays[relay.Index] = true
			if strings.TrimSpace(relay.Switch) == "" {
				return fmt.Errorf("node %s: relay %d has no switch", node.ID, relay.Index)
			}
		}
	}
	if controllers != 1 {
		return fmt.Errorf("exactly one %q node must be configured, found %d", ControllerNodeID, controllers)
	}

	validDrivers := []string{"memory", "periph"}
	if !contains(validDrivers, cfg.GPIO.Driver) {
		return fmt.Errorf("invalid gpio driver %s, must be one of: %v", cfg.GPIO.Driver, validDrivers)
	}
	if len(cfg.GPIO.Pins) != RelaysPerNode {
		return fmt.Errorf("expected %d gpio pins, got %d", RelaysPerNode, len(cfg.GPIO.Pins))
	}

	if cfg.Timing.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts %d must be at least 1", cfg.Timing.MaxAttempts)
	}
	if cfg.Timing.AckTimeoutMs < 10 || cfg.Timing.AckTimeoutMs > 5000 {
		return fmt.Errorf("ack timeout %dms is outside reasonable range [10, 5000]", cfg.Timing.AckTimeoutMs)
	}
	if cfg.Timing.RetryBackoffMs < 0 || cfg.Timing.DrainWindowMs < 0 || cfg.Timing.StartupTimeoutSec < 0 {
		return fmt.Errorf("timing values must not be negative")
	}

	names := make(map[string]bool)
	for _, seq := range cfg.Sequences {
		name := strings.ToUpper(strings.TrimSpace(seq.Name))
		if name == "" {
			return fmt.Errorf("sequence without name")
		}
		if names[name] {
			return fmt.Errorf("duplicate sequence %s", seq.Name)
		}
		names[name] = true
		for i, step := range seq.Steps {
			if !seen[step.Node] {
				return fmt.Errorf("sequence %s step %d: unknown node %s", seq.Name, i, step.Node)
			}
			if step.Relay < 1 || step.Relay > RelaysPerNode {
				return fmt.Errorf("sequence %s step %d: relay %d outside [1, %d]", seq.Name, i, step.Relay, RelaysPerNode)
			}
			if step.DelayMs < 0 {
				return fmt.Errorf("sequence %s step %d: negative delay", seq.Name, i)
			}
		}
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.URL == "" {
		return fmt.Errorf("telemetry enabled without url")
	}

	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
