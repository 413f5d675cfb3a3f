package hyperv_test

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/memory"
)

const (
	testKHz = 2400000

	// Guest physical layout used by the tests: RAM at [0, ramSize) and a
	// read-only page at romBase.
	ramSize = 16 * memory.PageSize
	romBase = 0x100000

	hypercallGPFN = 3
	refTSCGPFN    = 4
)

type fakeVCPU struct {
	index  uint32
	mode   hyperv.CPUMode
	offset uint64
}

func (v *fakeVCPU) Index() uint32        { return v.index }
func (v *fakeVCPU) Mode() hyperv.CPUMode { return v.mode }
func (v *fakeVCPU) TSCOffset() uint64    { return v.offset }

// fakeClock is a TSC that only moves when told to.
type fakeClock struct {
	tsc atomic.Uint64
	khz uint64
}

func (c *fakeClock) ReadTSC() uint64 { return c.tsc.Load() }
func (c *fakeClock) TSCKHz() uint64  { return c.khz }

type env struct {
	mem   *memory.Memory
	ram   *memory.MemorySlot
	rom   *memory.MemorySlot
	clock *fakeClock
	ctx   *hyperv.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mem := memory.New(4)

	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Error(err)
		}
	})

	ram, err := mem.NewMemorySlot(0, ramSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	rom, err := mem.NewMemorySlot(romBase, memory.PageSize, memory.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)

	clock := &fakeClock{khz: testKHz}
	clock.tsc.Store(1 << 40)

	return &env{
		mem:   mem,
		ram:   ram,
		rom:   rom,
		clock: clock,
		ctx:   hyperv.New(7, mem, clock, hyperv.WithLogger(log)),
	}
}

func (e *env) page(t *testing.T, gpfn uint64) []byte {
	t.Helper()

	p, ok := e.mem.Translate(gpfn<<memory.PageShift, memory.PageSize)
	if !ok {
		t.Fatalf("gpfn %#x not mapped", gpfn)
	}

	return p.Bytes
}

func (e *env) write(t *testing.T, v hyperv.VCPU, msr uint32, val uint64) {
	t.Helper()

	if err := e.ctx.WriteMSR(v, msr, val); err != nil {
		t.Fatalf("WriteMSR(%#x, %#x): %v", msr, val, err)
	}
}

func (e *env) read(t *testing.T, v hyperv.VCPU, msr uint32) uint64 {
	t.Helper()

	val, err := e.ctx.ReadMSR(v, msr)
	if err != nil {
		t.Fatalf("ReadMSR(%#x): %v", msr, err)
	}

	return val
}

// timeBase returns the context's reference time scale and offset.
func (e *env) timeBase() (scale, offset uint64) {
	s := e.ctx.Snapshot()

	return s.TSCScale, s.TSCOffset
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
