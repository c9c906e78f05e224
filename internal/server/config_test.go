package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/obd-telemetry/internal/controller"
)

const sampleConfig = `
obd:
  type: serial
  port_path: /dev/rfcomm3
  match: vgate
  backoff_sec: 60
  devices:
    - name: OBDII
      alias: vgate icar
      address: AA:BB:CC:DD:EE:FF
      port: /dev/rfcomm3
telemetry:
  interval_ms: 2000
  readings:
    - field: coolant
      header: "7E0"
      request: "0105"
      formula: A
nats:
  url: nats://localhost:4222
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)
	if cfg.OBD.PortPath != "/dev/rfcomm3" || cfg.OBD.Match != "vgate" {
		t.Errorf("obd section not loaded: %+v", cfg.OBD)
	}
	// defaults survive a partial file
	if cfg.OBD.BaudRate != 38400 || cfg.OBD.DefaultHeader != "7DF" {
		t.Errorf("defaults lost: %+v", cfg.OBD)
	}
	if cfg.Telemetry.IntervalMs != 2000 || len(cfg.Telemetry.Readings) != 1 {
		t.Errorf("telemetry section = %+v", cfg.Telemetry)
	}
	if cfg.NATS.Subject != "obd.telemetry" || cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats section = %+v", cfg.NATS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	sc := cfg.OBD.SessionConfig(nil, nil)
	if sc.Backoff != time.Minute || sc.CommandTimeout != 5*time.Second || sc.AdapterTimeout != 125 {
		t.Errorf("session config = %+v", sc)
	}
	devs := cfg.OBD.DeviceList()
	if len(devs) != 1 || devs[0].Alias != "vgate icar" {
		t.Errorf("devices = %+v", devs)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.OBD.Type != "serial" || cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	devs := cfg.OBD.DeviceList()
	if len(devs) != 1 || devs[0].Port != "/dev/rfcomm0" || devs[0].Label() != "traccar" {
		t.Errorf("fallback device = %+v", devs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OBD_PORT", "/dev/rfcomm9")
	t.Setenv("OBD_BAUD", "115200")
	t.Setenv("OBD_BACKOFF", "30")
	t.Setenv("POLL_INTERVAL", "750")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("LOG_ENABLED", "yes")
	t.Setenv("LISTEN_ADDR", ":9090")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.OBD.PortPath != "/dev/rfcomm9" || cfg.OBD.BaudRate != 115200 || cfg.OBD.BackoffSec != 30 {
		t.Errorf("obd overrides = %+v", cfg.OBD)
	}
	if cfg.Telemetry.IntervalMs != 750 || cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Telemetry, cfg.NATS)
	}
	if !cfg.Logging.Enabled || cfg.Server.ListenAddr != ":9090" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Logging, cfg.Server)
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("# adapter\nOBD_MATCH='obdlink'\n"), 0644)
	t.Setenv("OBD_MATCH", "")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	if cfg.OBD.Match != "obdlink" {
		t.Errorf("match = %q", cfg.OBD.Match)
	}
}

func TestUpdateFromJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")

	if err := cfg.UpdateFromJSON([]byte(`{"obd":{"match":"vlinker"},"telemetry":{"intervalMs":1000}}`)); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}
	if cfg.OBD.Match != "vlinker" || cfg.Telemetry.IntervalMs != 1000 {
		t.Errorf("patch not applied: %+v %+v", cfg.OBD, cfg.Telemetry)
	}
	if cfg.OBD.PortPath != "/dev/rfcomm0" {
		t.Error("untouched fields must be preserved")
	}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded := LoadConfig(cfg.path)
	if reloaded.OBD.Match != "vlinker" {
		t.Errorf("saved match = %q", reloaded.OBD.Match)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OBD.Type = "bluetooth"
	if cfg.Validate() == nil {
		t.Error("expected type error")
	}

	cfg = DefaultConfig()
	cfg.Telemetry.Readings = []controller.Spec{{Field: "x", Request: "0105", Formula: "B"}}
	if cfg.Validate() == nil {
		t.Error("expected readings error")
	}
}

func TestSessionConfigAdapterTimeout(t *testing.T) {
	cases := []struct {
		in   int
		want byte
	}{
		{in: 50, want: 50},
		{in: 255, want: 255},
		{in: 300, want: 255},
		{in: 1000, want: 255},
		{in: 0, want: 125},
		{in: -4, want: 125},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.OBD.AdapterTimeout = tc.in
		sc := cfg.OBD.SessionConfig(nil, nil)
		got := sc.AdapterTimeout
		if got == 0 {
			// the session substitutes its own default for zero
			got = 125
		}
		if got != tc.want {
			t.Errorf("adapter_timeout %d -> %d, want %d", tc.in, got, tc.want)
		}
	}

	cfg := DefaultConfig()
	cfg.OBD.AdapterTimeout = 300
	if cfg.Validate() == nil {
		t.Error("expected adapter_timeout range error")
	}
}

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{line: "OBD_PORT=/dev/rfcomm1", key: "OBD_PORT", val: "/dev/rfcomm1", ok: true},
		{line: `  NATS_URL = "nats://bus:4222" `, key: "NATS_URL", val: "nats://bus:4222", ok: true},
		{line: "LISTEN_ADDR=a=b", key: "LISTEN_ADDR", val: "a=b", ok: true},
		{line: "# OBD_PORT=/dev/null"},
		{line: "   "},
		{line: "OBD_PORT"},
		{line: "=value"},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		if ok != tc.ok || key != tc.key || val != tc.val {
			t.Errorf("parseEnvLine(%q) = %q, %q, %v", tc.line, key, val, ok)
		}
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "etc", "obd", "config.yaml")
	cfg.OBD.Match = "obdlink"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(cfg.path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
	if got := LoadConfig(cfg.path).OBD.Match; got != "obdlink" {
		t.Errorf("reloaded match = %q", got)
	}
}
