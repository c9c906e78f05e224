package controller

import (
	"fmt"

	"github.com/shaunagostinho/obd-telemetry/internal/obd"
)

// Reading stores one command result under a telemetry field.
type Reading struct {
	Field   string
	Command obd.Command
	// Remap translates the decoded value before it is stored.
	Remap map[string]string
	// Replace overwrites a value already present. Alternatives for the same
	// field after the first are added with Replace false.
	Replace bool
}

// BoltGearMap maps the Chevrolet Bolt shifter code to a gear letter.
var BoltGearMap = map[string]string{"8": "P", "7": "R", "6": "N", "3": "D", "1": "L"}

// DefaultReadings is the fixed battery read every cycle.
func DefaultReadings() []Reading {
	return []Reading{
		{Field: "obdBattery", Command: obd.ModuleVoltage(), Replace: true},
		{Field: "obdSpeed", Command: obd.Speed(), Replace: true},
		{Field: "throttle", Command: obd.Throttle(), Replace: true},
		{Field: "rpm", Command: obd.RPM(), Replace: true},
		// hectometres to metres
		{Field: "odometer", Command: obd.NewCalculated("", "01A6", obd.FormulaInt32, 100), Replace: true},
		// Bolt state of charge, then the generic EV battery PID
		{Field: "evBattery", Command: obd.NewCalculated("7E4", "228334", obd.FormulaPercent, 1), Replace: true},
		{Field: "evBattery", Command: obd.NewCalculated("", "019A", obd.FormulaInt32, 1), Replace: false},
		{Field: "gear", Command: obd.NewCalculated("7E1", "222889", obd.FormulaA, 1), Remap: BoltGearMap, Replace: true},
	}
}

// Spec describes an operator-defined calculated reading.
type Spec struct {
	Field   string            `yaml:"field" json:"field"`
	Header  string            `yaml:"header" json:"header"`
	Request string            `yaml:"request" json:"request"`
	Formula string            `yaml:"formula" json:"formula"`
	Scale   float64           `yaml:"scale" json:"scale"`
	Replace *bool             `yaml:"replace,omitempty" json:"replace,omitempty"`
	Remap   map[string]string `yaml:"remap,omitempty" json:"remap,omitempty"`
}

// Reading validates s and builds the reading. Scale defaults to 1 and
// Replace to true.
func (s Spec) Reading() (Reading, error) {
	if s.Field == "" || s.Request == "" {
		return Reading{}, fmt.Errorf("reading needs a field and a request")
	}
	f := obd.Formula(s.Formula)
	if !f.Known() {
		return Reading{}, fmt.Errorf("reading %s: unknown formula %q", s.Field, s.Formula)
	}
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	replace := true
	if s.Replace != nil {
		replace = *s.Replace
	}
	return Reading{
		Field:   s.Field,
		Command: obd.NewCalculated(s.Header, s.Request, f, scale),
		Remap:   s.Remap,
		Replace: replace,
	}, nil
}

// Readings converts specs, stopping at the first invalid one.
func Readings(specs []Spec) ([]Reading, error) {
	out := make([]Reading, 0, len(specs))
	for _, s := range specs {
		r, err := s.Reading()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
