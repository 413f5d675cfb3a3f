// Package tsc provides the fixed-point arithmetic used to turn raw
// time-stamp counter values into 100ns reference time units.
package tsc

import (
	"errors"
	"fmt"
	"math/bits"
)

// UnitsPerMillisecond is the number of 100ns units in one millisecond.
// Dividing it by a frequency in kHz gives 100ns units per tick.
const UnitsPerMillisecond = 10000

// ErrFrequency is returned when a TSC frequency cannot be represented as
// a Q64 scale.
var ErrFrequency = errors.New("unusable tsc frequency")

// Rdtsc reads the host time-stamp counter.
func Rdtsc() uint64 // implemented in rdtsc_amd64.s

// Shl64Div computes (a << 64) / divisor with a full 128-bit numerator.
//
// It returns !ok if divisor is zero or the quotient does not fit in 64
// bits, which happens whenever a >= divisor.
func Shl64Div(a, divisor uint64) (uint64, bool) {
	if divisor == 0 || a >= divisor {
		return 0, false
	}

	q, _ := bits.Div64(a, 0, divisor)

	return q, true
}

// MulShr64 returns the upper 64 bits of the 128-bit product a*b.
func MulShr64(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)

	return hi
}

// Scale returns the Q64 multiplier converting ticks of a counter running
// at khz into 100ns units: (10000 << 64) / khz.
func Scale(khz uint64) (uint64, error) {
	s, ok := Shl64Div(UnitsPerMillisecond, khz)
	if !ok {
		return 0, fmt.Errorf("%w: %d kHz", ErrFrequency, khz)
	}

	return s, nil
}

// Host is a time source backed by the host TSC running at a known rate.
type Host struct {
	KHz uint64
}

// ReadTSC reads the host counter.
func (h Host) ReadTSC() uint64 {
	return Rdtsc()
}

// TSCKHz reports the counter frequency.
func (h Host) TSCKHz() uint64 {
	return h.KHz
}
