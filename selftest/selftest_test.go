package selftest_test

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/selftest"
)

func decode(t *testing.T) []x86asm.Inst {
	t.Helper()

	var insts []x86asm.Inst

	for code := selftest.Program(); len(code) > 0; {
		inst, err := x86asm.Decode(code, 32)
		if err != nil {
			t.Fatalf("decode % x: %v", code, err)
		}

		insts = append(insts, inst)
		code = code[inst.Len:]
	}

	return insts
}

func TestProgramShape(t *testing.T) {
	t.Parallel()

	insts := decode(t)
	ops := map[x86asm.Op]int{}

	for _, inst := range insts {
		ops[inst.Op]++
	}

	for op, want := range map[x86asm.Op]int{
		x86asm.WRMSR: 3,
		x86asm.RDMSR: 5,
		x86asm.CPUID: 2,
		x86asm.OUT:   13,
		x86asm.HLT:   2,
		x86asm.CALL:  1,
	} {
		if ops[op] != want {
			t.Errorf("%v appears %d times, want %d", op, ops[op], want)
		}
	}

	if last := insts[len(insts)-1]; last.Op != x86asm.HLT {
		t.Errorf("program ends with %v", last)
	}

	if len(selftest.Program()) > selftest.HypercallGPFN<<12-selftest.CodeAddr {
		t.Error("program overlaps the hypercall page")
	}
}

// TestProgramMSRs follows the value loaded into ECX before every MSR
// access.
func TestProgramMSRs(t *testing.T) {
	t.Parallel()

	var (
		ecx  uint32
		msrs []uint32
	)

	for _, inst := range decode(t) {
		switch inst.Op {
		case x86asm.MOV:
			if inst.Args[0] == x86asm.ECX {
				if imm, ok := inst.Args[1].(x86asm.Imm); ok {
					ecx = uint32(imm)
				}
			}
		case x86asm.RDMSR, x86asm.WRMSR:
			msrs = append(msrs, ecx)
		}
	}

	want := []uint32{
		hyperv.MSRVPIndex,
		hyperv.MSRGuestOSID,
		hyperv.MSRHypercall,
		hyperv.MSRVPIndex,
		hyperv.MSRTimeRefCount,
		hyperv.MSRTimeRefCount,
		hyperv.MSRTSCFrequency,
		hyperv.MSRReferenceTSC,
	}

	if len(msrs) != len(want) {
		t.Fatalf("msr accesses %#x, want %#x", msrs, want)
	}

	for i := range want {
		if msrs[i] != want[i] {
			t.Errorf("access %d: msr %#x, want %#x", i, msrs[i], want[i])
		}
	}
}

func goodRecords() []uint32 {
	return []uint32{
		2, 0, // hypercall status
		0,       // vp index
		1000, 0, // reference time
		2000, 0, // reference time
		0x8f0d1800, 0, // 2.4 GHz
		1,          // sequence
		0x31237648, // Hv#1
		0x0a62, 0x100,
	}
}

func TestExpect(t *testing.T) {
	t.Parallel()

	r, err := selftest.Parse(goodRecords())
	if err != nil {
		t.Fatal(err)
	}

	if err := selftest.Expect(r, 2400000); err != nil {
		t.Errorf("Expect: %v", err)
	}

	for _, test := range []struct {
		name  string
		index int
		value uint32
	}{
		{name: "Status", index: 0, value: 0},
		{name: "StatusHigh", index: 1, value: 1},
		{name: "VPIndex", index: 2, value: 1},
		{name: "TimeStopped", index: 5, value: 1000},
		{name: "Frequency", index: 7, value: 1},
		{name: "SequenceZero", index: 9, value: 0},
		{name: "SequenceInvalid", index: 9, value: 0xffffffff},
		{name: "Signature", index: 10, value: 0},
		{name: "Privileges", index: 11, value: 0xffff},
		{name: "Misc", index: 12, value: 0},
	} {
		records := goodRecords()
		records[test.index] = test.value

		r, err := selftest.Parse(records)
		if err != nil {
			t.Fatal(err)
		}

		if err := selftest.Expect(r, 2400000); !errors.Is(err, selftest.ErrMismatch) {
			t.Errorf("%s: Expect = %v, want ErrMismatch", test.name, err)
		}
	}
}

func TestParseShort(t *testing.T) {
	t.Parallel()

	if _, err := selftest.Parse(goodRecords()[:5]); !errors.Is(err, selftest.ErrMismatch) {
		t.Errorf("Parse = %v, want ErrMismatch", err)
	}
}
