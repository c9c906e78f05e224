package obd

import (
	"errors"
	"testing"
)

func TestFormulaEval(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		skip    int
		scale   float64
		buf     []byte
		want    float64
	}{
		{"A mode 01", "A", 1, 1.0, []byte{0x41, 0xA6, 0x2A}, 42},
		{"A mode 22 scaled", "A", 2, 2.0, []byte{0x62, 0x28, 0x89, 0x08}, 16},
		{"PCT(A)", "PCT(A)", 1, 1.0, []byte{0x41, 0x5B, 204}, 80},
		{"PCT(A) full", "PCT(A)", 2, 1.0, []byte{0x62, 0x83, 0x34, 0xFF}, 100},
		{"INT32 odometer", "INT32(A:B:C:D)", 1, 100.0, []byte{0x41, 0xA6, 0x00, 0x01, 0xE2, 0x40}, 12345600},
		{"INT32 high byte", "INT32(A:B:C:D)", 1, 1.0, []byte{0x41, 0x9A, 0xFF, 0x00, 0x00, 0x01}, 4278190081},
		{"unknown formula", "(A*256+B)/4", 1, 1.0, []byte{0x41, 0x0C, 0x1A, 0xF8}, 0},
		{"unknown formula short buffer", "B", 1, 1.0, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.formula, tt.skip, tt.scale, tt.buf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
}

func TestFormulaShortBuffer(t *testing.T) {
	for _, f := range []Formula{FormulaA, FormulaPercent, FormulaInt32} {
		_, err := f.Eval([]byte{0x41, 0xA6}, 1, 1.0)
		if !errors.Is(err, ErrShortBuffer) {
			t.Errorf("%s: expected ErrShortBuffer, got %v", f, err)
		}
	}
}

func TestFormulaKnown(t *testing.T) {
	if !FormulaInt32.Known() || Formula("A+B").Known() {
		t.Error("Known() misreports the formula set")
	}
}

func TestFormatValue(t *testing.T) {
	tests := map[float64]string{
		80:       "80.0",
		0:        "0.0",
		12.5:     "12.5",
		12345600: "12345600.0",
	}
	for in, want := range tests {
		if got := FormatValue(in); got != want {
			t.Errorf("FormatValue(%v) = %q, want %q", in, got, want)
		}
	}
}
