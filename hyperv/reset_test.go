package hyperv_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/memory"
	"github.com/gokvm/hvenlight/migration"
)

func TestReset(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	v := &fakeVCPU{mode: hyperv.Mode64}

	if err := e.ctx.InitTime(v); err != nil {
		t.Fatal(err)
	}

	hc := uint64(hypercallGPFN<<memory.PageShift | 1)
	ref := uint64(refTSCGPFN<<memory.PageShift | 1)

	e.write(t, v, hyperv.MSRGuestOSID, 0x1234)
	e.write(t, v, hyperv.MSRHypercall, hc)
	e.write(t, v, hyperv.MSRReferenceTSC, ref)

	e.ctx.Reset()

	scale, offset := e.timeBase()

	want := migration.HypervState{
		HypercallRaw:    hc,
		ReferenceTSCRaw: ref,
		TSCScale:        scale,
		TSCOffset:       offset,
		TimeInitialized: true,
	}

	if diff := cmp.Diff(want, e.ctx.Snapshot()); diff != "" {
		t.Errorf("state after reset mismatch (-want +got):\n%s", diff)
	}

	// With the guest os id cleared, hypercall writes are ignored again.
	e.write(t, v, hyperv.MSRHypercall, 5<<memory.PageShift|1)

	if got := e.read(t, v, hyperv.MSRHypercall); got != hc {
		t.Errorf("hypercall msr = %#x, want %#x", got, hc)
	}

	// Reset does not touch guest memory.
	if got := decodeRefPage(e.page(t, refTSCGPFN)).Sequence; got != 1 {
		t.Errorf("sequence = %d after reset", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	src := newEnv(t)
	v := &fakeVCPU{mode: hyperv.Mode64}

	if err := src.ctx.InitTime(v); err != nil {
		t.Fatal(err)
	}

	src.write(t, v, hyperv.MSRGuestOSID, 0x8100)
	src.write(t, v, hyperv.MSRHypercall, hypercallGPFN<<memory.PageShift|1)
	src.write(t, v, hyperv.MSRReferenceTSC, refTSCGPFN<<memory.PageShift|1)

	snap := src.ctx.Snapshot()

	dst := newEnv(t)
	dst.ctx.Restore(snap)

	if diff := cmp.Diff(snap, dst.ctx.Snapshot()); diff != "" {
		t.Errorf("restored state mismatch (-want +got):\n%s", diff)
	}

	for _, msr := range []uint32{hyperv.MSRGuestOSID, hyperv.MSRHypercall, hyperv.MSRReferenceTSC} {
		if s, d := src.read(t, v, msr), dst.read(t, v, msr); s != d {
			t.Errorf("rdmsr %#x: source %#x, restored %#x", msr, s, d)
		}
	}

	if got := dst.ctx.Snapshot(); !got.HypercallEnabled || !got.ReferenceTSCEnabled {
		t.Error("page enables not restored")
	}

	// The restored context keeps the source's time base.
	dst.clock.tsc.Add(1 << 20)

	if err := dst.ctx.InitTime(v); err != nil {
		t.Fatal(err)
	}

	if _, offset := dst.timeBase(); offset != snap.TSCOffset {
		t.Errorf("TSCOffset = %d, want %d", offset, snap.TSCOffset)
	}
}
