package obd

import (
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a response holds fewer bytes than its
// formula reads.
var ErrShortBuffer = errors.New("response too short")

// Formula names a decoding rule for calculated commands. Byte letters
// follow the usual PID notation: A is the first data byte after the mode
// and PID echo, B the second and so on.
type Formula string

const (
	// FormulaA is the single data byte A.
	FormulaA Formula = "A"
	// FormulaInt32 is A:B:C:D composed big-endian.
	FormulaInt32 Formula = "INT32(A:B:C:D)"
	// FormulaPercent maps A from 0..255 onto 0..100.
	FormulaPercent Formula = "PCT(A)"
)

// Eval applies the formula to a response buffer. skip is the length of the
// PID echo preceding A; byte A sits at buf[skip+1]. An unrecognised formula
// yields 0 with no error.
func (f Formula) Eval(buf []byte, skip int, scale float64) (float64, error) {
	switch f {
	case FormulaA:
		a, err := dataByte(buf, skip, 1)
		if err != nil {
			return 0, err
		}
		return scale * float64(a), nil

	case FormulaInt32:
		if err := need(buf, skip, 4); err != nil {
			return 0, err
		}
		v := uint32(buf[skip+1])<<24 | uint32(buf[skip+2])<<16 |
			uint32(buf[skip+3])<<8 | uint32(buf[skip+4])
		return scale * float64(v), nil

	case FormulaPercent:
		a, err := dataByte(buf, skip, 1)
		if err != nil {
			return 0, err
		}
		return scale * (float64(a) * 100.0 / 255), nil
	}
	return 0, nil
}

// Known reports whether f is one of the supported formulas.
func (f Formula) Known() bool {
	switch f {
	case FormulaA, FormulaInt32, FormulaPercent:
		return true
	}
	return false
}

// Evaluate is Formula(name).Eval in function form.
func Evaluate(name string, skip int, scale float64, buf []byte) (float64, error) {
	return Formula(name).Eval(buf, skip, scale)
}

func dataByte(buf []byte, skip, n int) (byte, error) {
	if err := need(buf, skip, n); err != nil {
		return 0, err
	}
	return buf[skip+n], nil
}

func need(buf []byte, skip, n int) error {
	if skip < 0 || len(buf) <= skip+n {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(buf), skip+n+1)
	}
	return nil
}
