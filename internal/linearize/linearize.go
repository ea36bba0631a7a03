// Package linearize derives the controller's gain table from measured
// set-point readings and writes it to EEPROM.
package linearize

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/fisaks/flowcal/internal/breakpoint"
	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/mfc"
)

const Points = eeprom.GainCount

type Mode string

const (
	ModeFixed    Mode = "fixed"
	ModeVariable Mode = "variable"
)

// InitialGain is the unity gain word for a firmware version.
func InitialGain(version string) (uint16, error) {
	switch version {
	case "v1":
		return 0x2000, nil
	case "v2":
		return 0x1000, nil
	}
	return 0, fmt.Errorf("unknown firmware version %q", version)
}

// Table is what gets written to EEPROM. Breakpoints is nil in fixed mode.
type Table struct {
	Gains       [Points]uint16
	Breakpoints []uint16
}

// Identity is the table of a device with no correction applied.
func Identity(initial uint16) Table {
	var t Table
	for i := range t.Gains {
		t.Gains[i] = initial
	}
	bp := breakpoint.Identity()
	t.Breakpoints = bp[:]
	return t
}

// FixedGains computes gain i from the rise in corrected reading over the
// rise in set point since the previous point. Gain 10 takes the remainder
// so the ten gains sum to 10 × initial.
func FixedGains(initial uint16, corrected, setPoints [Points]float64) ([Points]uint16, error) {
	return gains(initial, corrected, setPoints)
}

// VariableGains is FixedGains measured against breakpoint positions
// (percent of full scale) rather than set points.
func VariableGains(initial uint16, corrected, breakpointsPct [Points]float64) ([Points]uint16, error) {
	return gains(initial, corrected, breakpointsPct)
}

func gains(initial uint16, r, t [Points]float64) ([Points]uint16, error) {
	var out [Points]uint16
	sum := int64(0)
	prevR, prevT := 0.0, 0.0
	for i := 0; i < Points-1; i++ {
		dT := t[i] - prevT
		if dT == 0 {
			return out, fmt.Errorf("gain %d: zero interval", i+1)
		}
		g := math.Floor(float64(initial) * (r[i] - prevR) / dT)
		if g < 0 || g > math.MaxUint16 || math.IsNaN(g) {
			return out, fmt.Errorf("gain %d out of range: %v", i+1, g)
		}
		out[i] = uint16(g)
		sum += int64(g)
		prevR, prevT = r[i], t[i]
	}
	last := int64(Points)*int64(initial) - sum
	if last < 0 || last > math.MaxUint16 {
		return out, fmt.Errorf("gain %d out of range: %d", Points, last)
	}
	out[Points-1] = uint16(last)
	return out, nil
}

// EepromAccess is the word-level view of the controller's memory.
type EepromAccess interface {
	ReadWord(ctx context.Context, wa eeprom.WordAddress) (uint16, error)
	WriteWord(ctx context.Context, wa eeprom.WordAddress, w uint16) error
}

// WriteTable writes every gain and the first nine breakpoints, then reads
// them all back. Any difference is a verify mismatch; nothing is retried.
func WriteTable(ctx context.Context, acc EepromAccess, t Table) error {
	for i, g := range t.Gains {
		if err := acc.WriteWord(ctx, eeprom.LinearGain[i], g); err != nil {
			return fmt.Errorf("write gain %d: %w", i+1, err)
		}
	}
	for i, bp := range writtenBreakpoints(t) {
		if err := acc.WriteWord(ctx, eeprom.Breakpoint[i], bp); err != nil {
			return fmt.Errorf("write breakpoint %d: %w", i+1, err)
		}
	}
	return VerifyTable(ctx, acc, t)
}

func VerifyTable(ctx context.Context, acc EepromAccess, t Table) error {
	for i, want := range t.Gains {
		if err := verifyWord(ctx, acc, eeprom.LinearGain[i], want); err != nil {
			return fmt.Errorf("gain %d: %w", i+1, err)
		}
	}
	for i, want := range writtenBreakpoints(t) {
		if err := verifyWord(ctx, acc, eeprom.Breakpoint[i], want); err != nil {
			return fmt.Errorf("breakpoint %d: %w", i+1, err)
		}
	}
	return nil
}

func writtenBreakpoints(t Table) []uint16 {
	if len(t.Breakpoints) > eeprom.WrittenBreakpoints {
		return t.Breakpoints[:eeprom.WrittenBreakpoints]
	}
	return t.Breakpoints
}

func verifyWord(ctx context.Context, acc EepromAccess, wa eeprom.WordAddress, want uint16) error {
	got, err := acc.ReadWord(ctx, wa)
	if err != nil {
		return err
	}
	if got != want {
		wh, wl := eeprom.EncodeWord(want)
		gh, gl := eeprom.EncodeWord(got)
		return fmt.Errorf("%w: %s/%s wrote %s%s, read %s%s", mfc.ErrVerifyMismatch, wa.Hi, wa.Lo, wh, wl, gh, gl)
	}
	return nil
}

// SpanGain rescales the span word so measured flow lands on full scale.
func SpanGain(old uint16, fullScaleFlow, measuredFlow float64) (uint16, error) {
	if measuredFlow <= 0 {
		return 0, fmt.Errorf("measured flow must be > 0, got %v", measuredFlow)
	}
	g := math.Round(float64(old) * fullScaleFlow / measuredFlow)
	if g < 0 || g > math.MaxUint16 {
		return 0, fmt.Errorf("span gain out of range: %v", g)
	}
	return uint16(g), nil
}

// TrimmedMean drops one minimum and one maximum and averages the rest.
func TrimmedMean(values []float64) (float64, error) {
	if len(values) < 3 {
		return 0, fmt.Errorf("trimmed mean needs at least 3 values, got %d", len(values))
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	sum := 0.0
	for _, v := range s[1 : len(s)-1] {
		sum += v
	}
	return sum / float64(len(s)-2), nil
}

// Correct expresses each reading as a percentage of the last one.
func Correct(readings [Points]float64) ([Points]float64, error) {
	var out [Points]float64
	full := readings[Points-1]
	if full <= 0 {
		return out, fmt.Errorf("full-scale reading must be > 0, got %v", full)
	}
	for i, r := range readings {
		out[i] = r / full * 100
	}
	return out, nil
}
