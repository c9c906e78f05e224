package link

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// SerialDialer opens the serial node bound to a device. Bluetooth SPP
// adapters appear as RFCOMM ttys, so the same code serves USB and
// Bluetooth ELM327 clones.
type SerialDialer struct {
	BaudRate    int
	ReadTimeout time.Duration
}

const (
	defaultBaudRate    = 38400
	defaultReadTimeout = 100 * time.Millisecond
)

// Dial opens dev.Port, configures 8N1 framing and clears any bytes the
// adapter emitted before the port was opened.
func (d SerialDialer) Dial(ctx context.Context, dev Device) (Transport, error) {
	if ctx == nil {
		return nil, fmt.Errorf("link: context is nil")
	}
	if dev.Port == "" {
		return nil, fmt.Errorf("link: %s: %w", dev, ErrNoPort)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baud := d.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	timeout := d.ReadTimeout
	if timeout == 0 {
		timeout = defaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(dev.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", dev.Port, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: failed to set timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: failed to reset input: %w", err)
	}

	log.Printf("[link] opened %s for %s at %d baud", dev.Port, dev, baud)
	return port, nil
}

// Ports lists the serial nodes present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
