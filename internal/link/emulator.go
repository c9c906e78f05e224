package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/shaunagostinho/obd-telemetry/internal/elm"
)

// ErrClosed is returned by Emulator writes after Close.
var ErrClosed = errors.New("link closed")

// DemoVIN is the VIN reported by the emulator.
const DemoVIN = "1G1FZ6S04K4100001"

// Emulator simulates an ELM327 adapter attached to a moving vehicle. It
// implements Transport and records every request it receives, so it also
// serves as the scripted adapter in tests.
type Emulator struct {
	mu       sync.Mutex
	line     []byte
	out      bytes.Buffer
	closed   bool
	echo     bool
	linefeed bool
	header   string
	requests []string
	replies  map[string]string
	stalled  map[string]bool
	writeErr error

	t        float64 // virtual time accumulator
	odometer float64 // hectometres
}

// NewEmulator returns an adapter in its power-on state.
func NewEmulator() *Emulator {
	return &Emulator{
		echo:     true,
		linefeed: true,
		header:   elm.DefaultHeader,
		replies:  make(map[string]string),
		stalled:  make(map[string]bool),
		odometer: 123456,
	}
}

// Respond scripts the reply to request when sent under header. An empty
// header matches any header. Scripted replies take precedence over the
// built-in handling, AT commands included.
func (e *Emulator) Respond(header, request, reply string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if header == "" {
		header = "*"
	}
	e.replies[header+" "+normalize(request)] = reply
}

// Stall makes the adapter swallow request without ever answering.
func (e *Emulator) Stall(request string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled[normalize(request)] = true
}

// FailWrites makes every later Write fail with err; nil restores writes.
func (e *Emulator) FailWrites(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeErr = err
}

// Inject queues bytes as if the adapter had sent them unprompted.
func (e *Emulator) Inject(data string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.WriteString(data)
}

// Requests returns the normalised requests received so far.
func (e *Emulator) Requests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...)
}

// Count returns how many times request was received.
func (e *Emulator) Count(request string) int {
	want := normalize(request)
	n := 0
	for _, r := range e.Requests() {
		if r == want {
			n++
		}
	}
	return n
}

// Header returns the header currently asserted on the adapter.
func (e *Emulator) Header() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header
}

func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, io.EOF
	}
	if e.out.Len() == 0 {
		return 0, nil
	}
	return e.out.Read(p)
}

func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	if e.writeErr != nil {
		return 0, e.writeErr
	}
	for _, b := range p {
		if b != '\r' {
			e.line = append(e.line, b)
			continue
		}
		req := strings.TrimSpace(string(e.line))
		e.line = e.line[:0]
		if req != "" {
			e.handle(req)
		}
	}
	return len(p), nil
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.out.Reset()
	return nil
}

func (e *Emulator) ResetInputBuffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.Reset()
	return nil
}

// reopen powers the adapter back on after Close.
func (e *Emulator) reopen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = false
	e.line = e.line[:0]
	e.out.Reset()
	e.echo = true
	e.header = elm.DefaultHeader
}

func (e *Emulator) handle(req string) {
	cmd := normalize(req)
	e.requests = append(e.requests, cmd)
	if e.stalled[cmd] {
		return
	}
	if e.echo {
		e.out.WriteString(req + "\r")
	}

	reply, scripted := e.scripted(cmd)
	switch {
	case scripted:
	case cmd == "ATZ":
		e.echo = true
		e.header = elm.DefaultHeader
		reply = "\r\rELM327 v1.5"
	case cmd == "ATE0" || cmd == "ATE1":
		e.echo = cmd == "ATE1"
		reply = "OK"
	case cmd == "ATL0" || cmd == "ATL1":
		e.linefeed = cmd == "ATL1"
		reply = "OK"
	case strings.HasPrefix(cmd, "ATSH"):
		e.header = strings.TrimPrefix(cmd, "ATSH")
		reply = "OK"
	case strings.HasPrefix(cmd, "ATSP"), strings.HasPrefix(cmd, "ATST"), strings.HasPrefix(cmd, "ATAT"):
		reply = "OK"
	case strings.HasPrefix(cmd, "AT"):
		reply = "?"
	default:
		reply = e.vehicle(cmd)
	}

	eol := "\r"
	if e.linefeed {
		eol = "\r\n"
	}
	e.out.WriteString(strings.ReplaceAll(reply, "\r", eol) + eol + eol + ">")
}

func (e *Emulator) scripted(cmd string) (string, bool) {
	if r, ok := e.replies[e.header+" "+cmd]; ok {
		return r, true
	}
	r, ok := e.replies["* "+cmd]
	return r, ok
}

// vehicle answers from a simulated drive cycle: RPM sweeps between idle and
// revving, speed follows throttle, the battery slowly discharges.
func (e *Emulator) vehicle(cmd string) string {
	e.t += 0.05

	rpm := 850.0 + 4000.0*math.Sin(e.t*0.3)*math.Sin(e.t*0.3)
	tps := (rpm - 850) / (8000 - 850) * 100
	speed := tps / 100 * 220
	e.odometer += speed * 0.05 / 360 // km/h over 50 ms, in hm
	soc := 80 - math.Mod(e.t/60, 60)
	volts := 13.8 + 0.2*math.Sin(e.t)

	gear := 8 // P
	if speed > 1 {
		gear = 3 // D
	}

	engine := e.header == elm.DefaultHeader || e.header == "7E0"
	switch {
	case engine && cmd == "010D":
		return fmt.Sprintf("41 0D %02X", int(speed))
	case engine && cmd == "010C":
		v := int(rpm * 4)
		return fmt.Sprintf("41 0C %02X %02X", v>>8, v&0xFF)
	case engine && cmd == "0111":
		return fmt.Sprintf("41 11 %02X", int(tps*255/100))
	case engine && cmd == "0142":
		mv := int(volts * 1000)
		return fmt.Sprintf("41 42 %02X %02X", mv>>8, mv&0xFF)
	case engine && cmd == "01A6":
		hm := uint32(e.odometer)
		return fmt.Sprintf("41 A6 %02X %02X %02X %02X", hm>>24, (hm>>16)&0xFF, (hm>>8)&0xFF, hm&0xFF)
	case engine && cmd == "0902":
		return vinFrames(DemoVIN)
	case e.header == "7E4" && cmd == "228334":
		return fmt.Sprintf("62 83 34 %02X", int(soc*255/100))
	case e.header == "7E1" && cmd == "222889":
		return fmt.Sprintf("62 28 89 %02X", gear)
	}
	return "NO DATA"
}

// vinFrames renders a VIN as an ISO 15765 multi-frame reply.
func vinFrames(vin string) string {
	payload := append([]byte{0x49, 0x02, 0x01}, vin...)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03X", len(payload))
	for i := 0; i*7 < len(payload)+1; i++ {
		start := i*7 - 1
		if i == 0 {
			start = 0
		}
		end := min(i*7+6, len(payload))
		if start >= end {
			break
		}
		fmt.Fprintf(&sb, "\r%d: % X", i, payload[start:end])
	}
	return sb.String()
}

func normalize(req string) string {
	return strings.ToUpper(strings.ReplaceAll(req, " ", ""))
}

// DemoDialer hands out a shared Emulator, powering it back on each dial.
type DemoDialer struct {
	Emulator *Emulator
}

// NewDemoDialer returns a dialer over a fresh emulator.
func NewDemoDialer() *DemoDialer {
	return &DemoDialer{Emulator: NewEmulator()}
}

func (d *DemoDialer) Dial(ctx context.Context, dev Device) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.Emulator.reopen()
	return d.Emulator, nil
}
