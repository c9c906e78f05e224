// Package controller runs one telemetry collection cycle against a session:
// connect when allowed, then read every configured value into a sink.
package controller

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/obd"
	"github.com/shaunagostinho/obd-telemetry/internal/telemetry"
)

// DefaultMatch selects adapters whose alias or name contains it.
const DefaultMatch = "traccar"

// Session is the part of *session.Session the controller drives.
type Session interface {
	SetDevice(dev link.Device)
	CanConnect() bool
	Connect(ctx context.Context) error
	IsConnected() bool
	Name() string
	VIN() string
	Run(ctx context.Context, cmd obd.Command) (*obd.Result, bool)
}

// Controller owns the collection cycle for one session.
type Controller struct {
	sess Session
	diag diag.Sink

	mu       sync.Mutex
	enabled  bool
	readings []Reading
}

// New returns a disabled controller reading DefaultReadings followed by
// extra.
func New(sess Session, sink diag.Sink, extra ...Reading) *Controller {
	if sink == nil {
		sink = diag.Log{}
	}
	return &Controller{
		sess:     sess,
		diag:     sink,
		readings: append(DefaultReadings(), extra...),
	}
}

// Select reports every bonded device and adopts the first whose label
// contains match. It reports whether a device was adopted.
func (c *Controller) Select(devices []link.Device, match string) bool {
	if match == "" {
		match = DefaultMatch
	}
	for _, d := range devices {
		c.diag.Message("obd device |"+d.Name+"|"+d.Label()+"|"+d.Address, true)
	}
	dev, ok := link.Match(devices, match)
	if !ok {
		c.diag.Message("No obd device found", true)
		return false
	}
	c.SetDevice(dev)
	return true
}

// SetDevice assigns dev to the session and enables collection.
func (c *Controller) SetDevice(dev link.Device) {
	c.sess.SetDevice(dev)
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Readings returns the configured readings in execution order.
func (c *Controller) Readings() []Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reading(nil), c.readings...)
}

// Collect runs one cycle. Nothing is read unless a device is assigned, the
// backoff has elapsed and the link is up. It reports whether the session
// was connected for the cycle.
func (c *Controller) Collect(ctx context.Context, sink telemetry.Sink) bool {
	if !c.Enabled() || !c.sess.CanConnect() {
		return false
	}
	// Connect reports its failure through the diagnostic sink.
	_ = c.sess.Connect(ctx)
	if !c.sess.IsConnected() {
		return false
	}

	sink.Put("obdDevice", c.sess.Name())
	if vin := c.sess.VIN(); vin != "" {
		sink.Put("vin", vin)
	}
	for _, r := range c.Readings() {
		if ctx.Err() != nil {
			break
		}
		c.GetValue(ctx, sink, r.Field, r.Command, r.Remap, r.Replace)
	}
	return true
}

// GetValue runs cmd and stores its value under field. When replace is false
// and the field is already present the command is not run and GetValue
// reports true. Empty results are not stored.
func (c *Controller) GetValue(ctx context.Context, sink telemetry.Sink, field string, cmd obd.Command, remap map[string]string, replace bool) bool {
	if !replace && sink.Has(field) {
		return true
	}
	if !c.sess.IsConnected() {
		return false
	}
	res, ok := c.sess.Run(ctx, cmd)
	if !ok || res.Calculated == "" {
		return false
	}
	sink.Put(field, Remap(remap, res.Calculated))
	return true
}

// Remap looks value up in m. Integral decimal values also match their
// integer form, so "8.0" finds the key "8". Unmatched values are returned
// unchanged.
func Remap(m map[string]string, value string) string {
	if len(m) == 0 {
		return value
	}
	if v, ok := m[value]; ok {
		return v
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
		if v, ok := m[strconv.FormatInt(int64(f), 10)]; ok {
			return v
		}
	}
	return value
}
