// Package logger records telemetry cycles to CSV files with rotation.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/obd-telemetry/internal/telemetry"
)

// Logger writes one CSV row per recorded position.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	header   []string

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Path       string   `yaml:"path" json:"path"`
	IntervalMs int      `yaml:"interval_ms" json:"intervalMs"`
	Fields     []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	MaxRows    int      `yaml:"max_rows,omitempty" json:"maxRows,omitempty"`
}

const (
	maxRowsPerFile = 100_000 // ~28 hrs at 1 Hz
)

// DefaultFields are the columns written after timestamp and session.
var DefaultFields = []string{
	"obdDevice", "vin", "obdBattery", "obdSpeed", "throttle",
	"rpm", "odometer", "evBattery", "gear",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obd-telemetry"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = maxRowsPerFile
	}
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		header:   append([]string{"timestamp", "session"}, fields...),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently written, or "".
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record writes a position if the minimum interval has elapsed since the
// last row. Empty positions are skipped.
func (l *Logger) Record(pos *telemetry.Position, session string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || pos == nil || pos.Len() == 0 {
		return
	}

	ts := pos.Time
	if !l.lastTs.IsZero() && ts.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = ts

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(ts); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(l.buildRow(pos, session)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("obd_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.path = path
	l.rows = 0

	if err := l.writer.Write(l.header); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.path = ""
}

// buildRow leaves absent fields empty.
func (l *Logger) buildRow(pos *telemetry.Position, session string) []string {
	row := make([]string, len(l.header))
	row[0] = pos.Time.Format(time.RFC3339Nano)
	row[1] = session
	for i, field := range l.header[2:] {
		if v, ok := pos.Get(field); ok {
			row[i+2] = v
		}
	}
	return row
}
