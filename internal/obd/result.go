package obd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/obd-telemetry/internal/elm"
)

// Result is the decoded outcome of one command execution. A new Result is
// built for every execution.
type Result struct {
	Command    string  // Command name
	Raw        string  // Cleaned adapter reply
	Buffer     []byte  // Reply bytes, nil for directives and text replies
	Value      float64 // Numeric value, when the command has one
	Calculated string  // Value as stored in telemetry
	Formatted  string  // Value with unit, for display
}

// String renders the result the way diagnostics print it:
// name|calculated|formatted|raw|
func (r *Result) String() string {
	return r.Command + "|" + r.Calculated + "|" + r.Formatted + "|" + r.Raw + "|"
}

// FormatValue renders a calculated value in plain decimal notation with at
// least one fractional digit (80 -> "80.0", 1234500 -> "1234500.0").
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// parseBuffer converts a cleaned hex reply into bytes. A trailing odd nibble
// is ignored.
func parseBuffer(request, raw string) ([]byte, error) {
	if raw == "" {
		return nil, nonNumeric(request, raw, fmt.Errorf("empty reply"))
	}
	for _, c := range raw {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return nil, nonNumeric(request, raw, fmt.Errorf("unexpected character %q", c))
		}
	}
	buf, err := hex.DecodeString(raw[:len(raw)&^1])
	if err != nil {
		return nil, nonNumeric(request, raw, err)
	}
	return buf, nil
}

func nonNumeric(request, raw string, err error) error {
	return &elm.Error{Kind: elm.KindNonNumeric, Request: request, Raw: raw, Err: err}
}
