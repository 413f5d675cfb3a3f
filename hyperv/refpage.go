package hyperv

import (
	"sync/atomic"
	"unsafe"

	"github.com/gokvm/hvenlight/memory"
	"github.com/gokvm/hvenlight/tsc"
)

// Layout of HV_REFERENCE_TSC_PAGE. The rest of the 4K page is reserved.
const (
	RefPageSequenceOffset = 0
	RefPageScaleOffset    = 8
	RefPageOffsetOffset   = 16

	// Sequence values a guest treats as "page not valid".
	refSeqInvalid0 = 0
	refSeqInvalid1 = 0xFFFFFFFF
)

func refPageFields(page []byte) (seq *uint32, scale, offset *uint64) {
	_ = page[memory.PageSize-1]

	return (*uint32)(unsafe.Pointer(&page[RefPageSequenceOffset])),
		(*uint64)(unsafe.Pointer(&page[RefPageScaleOffset])),
		(*uint64)(unsafe.Pointer(&page[RefPageOffsetOffset]))
}

// nextRefSequence advances the page sequence, skipping the values a guest
// reads as invalid.
func nextRefSequence(cur uint32) uint32 {
	next := cur + 1
	if next == refSeqInvalid0 || next == refSeqInvalid1 {
		next = 1
	}

	return next
}

// publishReferenceTSC writes the scale and offset into the guest's
// reference TSC page and then bumps the sequence. Guests read the page
// without trapping, so the stores are ordered: scale and offset become
// visible before the sequence that validates them.
func (c *Context) publishReferenceTSC() {
	if !c.referenceTSC.Enabled {
		return
	}

	c.withPage(c.referenceTSC.GPA(), "reference tsc", func(page []byte) {
		seq, scale, offset := refPageFields(page)

		atomic.StoreUint64(scale, c.tscScale)
		atomic.StoreUint64(offset, c.tscOffset)

		next := nextRefSequence(atomic.LoadUint32(seq))
		atomic.StoreUint32(seq, next)

		c.log.WithField("sequence", next).Debug("hv: reference tsc page published")
	})
}

// ReadReferenceTSC is the guest side of the reference TSC page: it
// computes ((tscValue * scale) >> 64) + offset, retrying while the host
// updates the page. It returns false if the page is not valid.
func ReadReferenceTSC(page []byte, tscValue uint64) (uint64, bool) {
	seqp, scalep, offsetp := refPageFields(page)

	for {
		seq := atomic.LoadUint32(seqp)
		if seq == refSeqInvalid0 || seq == refSeqInvalid1 {
			return 0, false
		}

		scale := atomic.LoadUint64(scalep)
		offset := atomic.LoadUint64(offsetp)
		t := tsc.MulShr64(tscValue, scale) + offset

		if atomic.LoadUint32(seqp) == seq {
			return t, true
		}
	}
}
