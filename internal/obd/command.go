// Package obd describes the requests sent to an ELM327 adapter and decodes
// their replies: adapter directives, well-known PIDs, header-addressed raw
// requests and formula-driven calculated requests.
package obd

import (
	"strconv"
	"strings"

	"github.com/shaunagostinho/obd-telemetry/internal/elm"
)

// Command is an immutable request descriptor. The set of implementations
// is closed: Directive, PID, Addressed and Calculated.
type Command interface {
	// Name identifies the command in diagnostics.
	Name() string
	// Request is the text written to the adapter.
	Request() string
	// Decode turns a cleaned reply into a fresh Result.
	Decode(raw string) (*Result, error)

	command()
}

// Addresser is implemented by commands that target a specific ECU header.
// An empty header means the adapter default.
type Addresser interface {
	Header() string
}

// IsDirective reports whether cmd configures the adapter itself. Directives
// are sent without asserting any ECU header.
func IsDirective(cmd Command) bool {
	_, ok := cmd.(Directive)
	return ok
}

// Directive is an adapter control command (AT ...). Its reply is kept as
// text and never parsed as bytes.
type Directive struct {
	name    string
	request string
}

func (d Directive) Name() string    { return d.name }
func (d Directive) Request() string { return d.request }
func (Directive) command()          {}

func (d Directive) Decode(raw string) (*Result, error) {
	return &Result{Command: d.name, Raw: raw, Calculated: raw, Formatted: raw}, nil
}

// NewDirective builds a directive sending request verbatim.
func NewDirective(name, request string) Directive {
	return Directive{name: name, request: request}
}

func Reset() Directive       { return NewDirective("Reset", elm.CmdReset) }
func EchoOff() Directive     { return NewDirective("EchoOff", elm.CmdEchoOff) }
func LineFeedOff() Directive { return NewDirective("LineFeedOff", elm.CmdLineFeedOff) }

// SelectProtocol selects a bus protocol by its ELM327 number.
func SelectProtocol(protocol string) Directive {
	return NewDirective("SelectProtocol", elm.CmdSelectProtocol+protocol)
}

// Timeout sets the adapter response timeout in units of 4 ms.
func Timeout(units byte) Directive {
	return NewDirective("Timeout", elm.CmdTimeout+strconv.FormatUint(uint64(units), 16))
}

// AdaptiveTiming sets the adaptive timing mode (0 off, 1 or 2 on).
func AdaptiveTiming(mode int) Directive {
	return NewDirective("AdaptiveTiming", elm.CmdAdaptiveTiming+strconv.Itoa(mode))
}

// SetHeader asserts the ECU header for subsequent requests.
func SetHeader(header string) Directive {
	return NewDirective("SetHeader", elm.CmdSetHeader+header)
}

// Addressed is a raw request sent to a chosen ECU header. Its reply is
// returned verbatim.
type Addressed struct {
	header  string
	request string
}

// NewAddressed builds a header-addressed raw request. An empty header
// selects the adapter default.
func NewAddressed(header, request string) Addressed {
	return Addressed{header: header, request: request}
}

func (a Addressed) Name() string    { return "Addressed " + a.header + " " + a.request }
func (a Addressed) Request() string { return a.request }
func (a Addressed) Header() string  { return a.header }
func (Addressed) command()          {}

func (a Addressed) Decode(raw string) (*Result, error) {
	return &Result{Command: a.Name(), Raw: raw, Calculated: raw, Formatted: raw}, nil
}

// Calculated is a header-addressed request decoded by a Formula.
type Calculated struct {
	header  string
	request string
	formula Formula
	scale   float64
	skip    int
}

// NewCalculated builds a calculated request. Requests using the two-byte
// mode 22 echo two PID bytes before A; all others echo one.
func NewCalculated(header, request string, formula Formula, scale float64) Calculated {
	skip := 1
	if strings.HasPrefix(request, "22") {
		skip = 2
	}
	return Calculated{header: header, request: request, formula: formula, scale: scale, skip: skip}
}

func (c Calculated) Name() string {
	return "Calculated " + c.header + " " + c.request + " " + string(c.formula)
}
func (c Calculated) Request() string  { return c.request }
func (c Calculated) Header() string   { return c.header }
func (c Calculated) Formula() Formula { return c.formula }
func (c Calculated) Scale() float64   { return c.scale }
func (c Calculated) SkipBytes() int   { return c.skip }
func (Calculated) command()           {}

func (c Calculated) Decode(raw string) (*Result, error) {
	buf, err := parseBuffer(c.request, raw)
	if err != nil {
		return nil, err
	}
	v, err := c.formula.Eval(buf, c.skip, c.scale)
	if err != nil {
		return nil, nonNumeric(c.request, raw, err)
	}
	s := FormatValue(v)
	return &Result{Command: c.Name(), Raw: raw, Buffer: buf, Value: v, Calculated: s, Formatted: s}, nil
}
