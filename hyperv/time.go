package hyperv

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gokvm/hvenlight/tsc"
)

// The partition reference time is
//
//	ReferenceTime = ((VirtualTsc * TscScale) >> 64) - TscOffset
//
// in 100ns units, where VirtualTsc is the host TSC plus the vCPU's TSC
// offset and
//
//	TscScale = (10000 << 64) / tsc_khz
//
// TscOffset is VirtualTsc scaled at InitTime, so the reference time starts
// near zero.

// InitTime computes TSCScale and TSCOffset from the current TSC frequency.
// It runs once per VM; later calls, including after Reset, keep the
// first values.
func (c *Context) InitTime(v VCPU) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeInitialized {
		c.log.Debug("hv: reference time already initialized")

		return nil
	}

	khz := c.time.TSCKHz()

	scale, err := tsc.Scale(khz)
	if err != nil {
		return fmt.Errorf("hv: init time: %w", err)
	}

	c.tscScale = scale
	c.tscOffset = c.scaleTSC(v)
	c.timeInitialized = true

	c.log.WithFields(logrus.Fields{
		"tsc_khz":    khz,
		"tsc_scale":  fmt.Sprintf("%#x", c.tscScale),
		"tsc_offset": c.tscOffset,
	}).Debug("hv: reference time initialized")

	return nil
}

// ReferenceTime returns the partition reference time seen by v.
func (c *Context) ReferenceTime(v VCPU) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.referenceTime(v)
}

func (c *Context) referenceTime(v VCPU) uint64 {
	return c.scaleTSC(v) - c.tscOffset
}

func (c *Context) scaleTSC(v VCPU) uint64 {
	return tsc.MulShr64(c.time.ReadTSC()+v.TSCOffset(), c.tscScale)
}
