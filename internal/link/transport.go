// Package link opens the byte stream to an ELM327 adapter.
package link

import (
	"context"
	"errors"
	"io"
	"strings"
)

//go:generate mockgen -source=transport.go -destination=mock_link.go -package=link

// ErrNoPort is returned when a device has no serial node to open.
var ErrNoPort = errors.New("device has no port")

// Transport is an open, bidirectional byte stream to an adapter.
type Transport interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// Dialer opens a Transport to a bonded device. Dial may block and should
// honour cancellation of ctx.
type Dialer interface {
	Dial(ctx context.Context, dev Device) (Transport, error)
}

// Device identifies a bonded adapter. The platform pairs it and binds it to
// a serial node (for RFCOMM on Linux, /dev/rfcommN).
type Device struct {
	Name    string `yaml:"name" json:"name"`
	Alias   string `yaml:"alias" json:"alias"`
	Address string `yaml:"address" json:"address"` // Bluetooth MAC
	Port    string `yaml:"port" json:"port"`       // e.g. /dev/rfcomm0
}

func (d Device) String() string { return d.Name + " " + d.Address }

// Label is the lower-cased alias, or name when no alias is set.
func (d Device) Label() string {
	if d.Alias != "" {
		return strings.ToLower(d.Alias)
	}
	return strings.ToLower(d.Name)
}

// Match returns the first device whose label contains pattern
// (case-insensitive).
func Match(devices []Device, pattern string) (Device, bool) {
	pattern = strings.ToLower(pattern)
	for _, d := range devices {
		if strings.Contains(d.Label(), pattern) {
			return d, true
		}
	}
	return Device{}, false
}
