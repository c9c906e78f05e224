package obd

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PID is a well-known mode 01/09 request with a fixed decoder. PIDs carry
// no header and are sent to the adapter default.
type PID struct {
	name    string
	request string
	decode  func(buf []byte) (value float64, calculated, formatted string)
	size    int // data bytes the decoder reads after the mode and PID echo
	text    func(raw string) string
}

func (p PID) Name() string    { return p.name }
func (p PID) Request() string { return p.request }
func (PID) command()          {}

func (p PID) Decode(raw string) (*Result, error) {
	if p.text != nil {
		s := p.text(raw)
		return &Result{Command: p.name, Raw: raw, Calculated: s, Formatted: s}, nil
	}
	buf, err := parseBuffer(p.request, raw)
	if err != nil {
		return nil, err
	}
	if err := need(buf, 1, p.size); err != nil {
		return nil, nonNumeric(p.request, raw, err)
	}
	v, calc, formatted := p.decode(buf)
	return &Result{Command: p.name, Raw: raw, Buffer: buf, Value: v, Calculated: calc, Formatted: formatted}, nil
}

// Speed is vehicle speed in km/h.
func Speed() PID {
	return PID{name: "Vehicle Speed", request: "01 0D", size: 1,
		decode: func(buf []byte) (float64, string, string) {
			kmh := int(buf[2])
			return float64(kmh), strconv.Itoa(kmh), fmt.Sprintf("%dkm/h", kmh)
		}}
}

// RPM is engine speed in revolutions per minute.
func RPM() PID {
	return PID{name: "Engine RPM", request: "01 0C", size: 2,
		decode: func(buf []byte) (float64, string, string) {
			rpm := (int(buf[2])*256 + int(buf[3])) / 4
			return float64(rpm), strconv.Itoa(rpm), fmt.Sprintf("%dRPM", rpm)
		}}
}

// Throttle is absolute throttle position in percent.
func Throttle() PID {
	return PID{name: "Throttle Position", request: "01 11", size: 1,
		decode: func(buf []byte) (float64, string, string) {
			pct := float64(buf[2]) * 100.0 / 255.0
			return pct, FormatValue(pct), fmt.Sprintf("%.1f%%", pct)
		}}
}

// ModuleVoltage is the control module supply voltage.
func ModuleVoltage() PID {
	return PID{name: "Control Module Power Supply", request: "01 42", size: 2,
		decode: func(buf []byte) (float64, string, string) {
			v := float64(int(buf[2])*256+int(buf[3])) / 1000
			return v, FormatValue(v), fmt.Sprintf("%.1fV", v)
		}}
}

// VIN is the vehicle identification number (mode 09 PID 02).
func VIN() PID {
	return PID{name: "Vehicle Identification Number (VIN)", request: "09 02", text: decodeVIN}
}

var (
	frameIndex = regexp.MustCompile(`.:`)
	vinPrefix  = regexp.MustCompile(`49020.`)
	notVIN     = regexp.MustCompile(`[^A-Za-z0-9 ]`)
	control    = regexp.MustCompile(`[\x00-\x1f]`)
)

// decodeVIN extracts the VIN from a cleaned reply. CAN adapters answer with
// a byte count line followed by indexed frames ("014" "0:490201..."
// "1:..."); older buses repeat a 49 02 0n prefix on every line.
func decodeVIN(raw string) string {
	var data string
	if strings.Contains(raw, ":") {
		data = frameIndex.ReplaceAllString(raw, "")
		if len(data) > 9 {
			data = data[9:]
		}
		if notVIN.MatchString(hexText(data)) {
			data = frameIndex.ReplaceAllString(strings.ReplaceAll(raw, "0:49", ""), "")
		}
	} else {
		data = vinPrefix.ReplaceAllString(raw, "")
	}
	return control.ReplaceAllString(hexText(data), "")
}

func hexText(s string) string {
	b, err := hex.DecodeString(s[:len(s)&^1])
	if err != nil {
		return ""
	}
	return string(b)
}
