package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obd-telemetry/internal/controller"
	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/logger"
	"github.com/shaunagostinho/obd-telemetry/internal/session"
	"github.com/shaunagostinho/obd-telemetry/internal/telemetry"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Adapter link and session tuning
	OBD OBDConfig `yaml:"obd" json:"obd"`

	// Collection cycle
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Publishing
	NATS NATSConfig `yaml:"nats" json:"nats"`

	// CSV recorder
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type OBDConfig struct {
	Type             string        `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath         string        `yaml:"port_path" json:"portPath"` // e.g. /dev/rfcomm0
	BaudRate         int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs    int           `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	Devices          []link.Device `yaml:"devices" json:"devices"` // bonded adapters
	Match            string        `yaml:"match" json:"match"`     // adopt the first device whose alias contains this
	Attempts         int           `yaml:"attempts" json:"attempts"`
	BackoffSec       int           `yaml:"backoff_sec" json:"backoffSec"`
	CommandTimeoutMs int           `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	AdapterTimeout   int           `yaml:"adapter_timeout" json:"adapterTimeout"` // AT ST units of 4 ms
	DefaultHeader    string        `yaml:"default_header" json:"defaultHeader"`
	InitResets       int           `yaml:"init_resets" json:"initResets"`
}

type TelemetryConfig struct {
	IntervalMs int               `yaml:"interval_ms" json:"intervalMs"`
	Readings   []controller.Spec `yaml:"readings" json:"readings"` // run after the built-in readings
}

type NATSConfig struct {
	URL           string `yaml:"url" json:"url"` // empty disables publishing
	Subject       string `yaml:"subject" json:"subject"`
	Name          string `yaml:"name" json:"name"`
	ReconnectMs   int    `yaml:"reconnect_ms" json:"reconnectMs"`
	MaxReconnects int    `yaml:"max_reconnects" json:"maxReconnects"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OBD: OBDConfig{
			Type:             "serial",
			PortPath:         "/dev/rfcomm0",
			BaudRate:         38400,
			ReadTimeoutMs:    100,
			Match:            controller.DefaultMatch,
			Attempts:         3,
			BackoffSec:       600,
			CommandTimeoutMs: 5000,
			AdapterTimeout:   125,
			DefaultHeader:    "7DF",
			InitResets:       3,
		},
		Telemetry: TelemetryConfig{
			IntervalMs: 5000,
		},
		NATS: NATSConfig{
			Subject:       "obd.telemetry",
			Name:          "obd-telemetry",
			ReconnectMs:   2000,
			MaxReconnects: -1,
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/obd-telemetry",
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// DeviceList returns the configured bonded devices. Without an explicit
// list the configured port is offered as a single adapter that the match
// pattern selects.
func (o OBDConfig) DeviceList() []link.Device {
	if len(o.Devices) > 0 {
		return o.Devices
	}
	if o.PortPath == "" {
		return nil
	}
	return []link.Device{{Name: "ELM327", Alias: o.Match, Port: o.PortPath}}
}

// SessionConfig converts the OBD section into session tuning.
func (o OBDConfig) SessionConfig(dialer link.Dialer, sink diag.Sink) session.Config {
	return session.Config{
		Dialer:         dialer,
		Diag:           sink,
		Attempts:       o.Attempts,
		Backoff:        time.Duration(o.BackoffSec) * time.Second,
		CommandTimeout: time.Duration(o.CommandTimeoutMs) * time.Millisecond,
		AdapterTimeout: adapterTimeout(o.AdapterTimeout),
		InitResets:     o.InitResets,
		DefaultHeader:  o.DefaultHeader,
	}
}

// adapterTimeout narrows the configured AT ST value to a byte. Values
// past 255 saturate; zero and below leave the session default.
func adapterTimeout(v int) byte {
	switch {
	case v <= 0:
		return 0
	case v > 255:
		return 255
	}
	return byte(v)
}

// PublisherConfig converts the NATS section.
func (n NATSConfig) PublisherConfig() telemetry.PublisherConfig {
	return telemetry.PublisherConfig{
		URL:               n.URL,
		Subject:           n.Subject,
		Name:              n.Name,
		ReconnectInterval: time.Duration(n.ReconnectMs) * time.Millisecond,
		MaxReconnects:     n.MaxReconnects,
	}
}

// DefaultConfigPath is where Save writes a config that was never loaded.
const DefaultConfigPath = "/etc/obd-telemetry/config.yaml"

// LoadConfig builds the daemon config in three layers: defaults, the YAML
// file at path, then environment variables. Dotenv files next to the
// config and in the working directory feed the environment layer. A
// missing or unparsable file leaves the defaults in place.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	switch err := cfg.readFile(path); {
	case errors.Is(err, fs.ErrNotExist):
		log.Printf("[config] %s not found, starting from defaults", path)
	case err != nil:
		log.Printf("[config] ignoring %s: %v", path, err)
	default:
		log.Printf("[config] read %s", path)
	}

	for _, envPath := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		importEnvFile(envPath)
	}
	cfg.applyEnvOverrides()
	return cfg
}

// readFile overlays the YAML document at path. On a parse error the
// config is reset so a half-applied document never survives.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		fresh := DefaultConfig()
		c.OBD, c.Telemetry, c.NATS = fresh.OBD, fresh.Telemetry, fresh.NATS
		c.Logging, c.Server = fresh.Logging, fresh.Server
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

// importEnvFile exports the assignments of a dotenv file. Variables the
// process already has keep their value.
func importEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] importing environment from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := parseEnvLine(line)
		if !ok || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, val)
	}
}

// parseEnvLine splits KEY=VALUE and strips the quotes around the
// value. Blank lines and # comments report !ok.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	key, val, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.Trim(strings.TrimSpace(val), `"'`), true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OBD_TYPE, OBD_PORT, OBD_BAUD, OBD_MATCH, OBD_BACKOFF (seconds),
// POLL_INTERVAL (ms), NATS_URL, NATS_SUBJECT, LISTEN_ADDR, LOG_ENABLED,
// LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBD_TYPE"); v != "" {
		c.OBD.Type = v
	}
	if v := os.Getenv("OBD_PORT"); v != "" {
		c.OBD.PortPath = v
	}
	if v := os.Getenv("OBD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.BaudRate = n
		}
	}
	if v := os.Getenv("OBD_MATCH"); v != "" {
		c.OBD.Match = v
	}
	if v := os.Getenv("OBD_BACKOFF"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.BackoffSec = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Telemetry.IntervalMs = n
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("NATS_SUBJECT"); v != "" {
		c.NATS.Subject = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// Save writes the config back to the file it was loaded from, or to
// DefaultConfigPath. The file is replaced by rename so readers never see
// a partial document.
func (c *Config) Save() error {
	c.mu.Lock()
	if c.path == "" {
		c.path = DefaultConfigPath
	}
	path := c.path
	data, err := yaml.Marshal(c)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ToJSON renders the config as the API shows it.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial document from the API. Objects are
// merged key by key, so a patch only has to name what changes; any other
// value, lists such as obd.devices included, replaces the current one.
func (c *Config) UpdateFromJSON(data []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tree, err := jsonTree(c)
	if err != nil {
		return err
	}
	mergeTree(tree, patch)

	merged, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// jsonTree is v in its generic JSON object form.
func jsonTree(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return tree, nil
}

// mergeTree folds patch into tree in place.
func mergeTree(tree, patch map[string]any) {
	for key, pv := range patch {
		sub, isObj := pv.(map[string]any)
		cur, hasObj := tree[key].(map[string]any)
		if isObj && hasObj {
			mergeTree(cur, sub)
		} else {
			tree[key] = pv
		}
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.OBD.Type {
	case "serial", "demo":
	default:
		return fmt.Errorf("obd.type %q: want serial or demo", c.OBD.Type)
	}
	if c.OBD.AdapterTimeout < 0 || c.OBD.AdapterTimeout > 255 {
		return fmt.Errorf("obd.adapter_timeout %d out of range 0-255", c.OBD.AdapterTimeout)
	}
	if _, err := controller.Readings(c.Telemetry.Readings); err != nil {
		return fmt.Errorf("telemetry.readings: %w", err)
	}
	return nil
}
