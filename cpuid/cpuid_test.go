package cpuid_test

import (
	"errors"
	"testing"

	"github.com/gokvm/hvenlight/cpuid"
)

func TestCPUID(t *testing.T) {
	t.Parallel()

	eax, ebx, ecx, edx := cpuid.CPUID(0)

	t.Logf("eax:0x%x ebx:0x%x ecx:0x%x edx:0x%x",
		eax, ebx, ecx, edx)

	s := []rune{}
	for _, x := range []uint32{ebx, edx, ecx} {
		s = append(s, rune(x>>0)&0xff)
		s = append(s, rune(x>>8)&0xff)
		s = append(s, rune(x>>16)&0xff)
		s = append(s, rune(x>>24)&0xff)
	}

	if string(s) != "GenuineIntel" && string(s) != "AuthenticAMD" {
		t.Fatalf("Unknown CPU vender found: %s", string(s))
	}
}

type table map[uint32][4]uint32

func (tb table) cpuid(leaf uint32) (uint32, uint32, uint32, uint32) {
	r := tb[leaf]

	return r[0], r[1], r[2], r[3]
}

func TestTSCKHzFrom(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		leaves  table
		want    uint64
		wantErr error
	}{
		{
			name: "CrystalRatio",
			leaves: table{
				0:    {0x16},
				0x15: {2, 176, 24000000},
			},
			want: 2112000,
		},
		{
			name: "BaseFrequency",
			leaves: table{
				0:    {0x16},
				0x15: {0, 0, 0},
				0x16: {3000},
			},
			want: 3000000,
		},
		{
			name: "HypervisorTimingLeaf",
			leaves: table{
				0:          {0xd},
				0x40000000: {0x40000010},
				0x40000010: {2893210},
			},
			want: 2893210,
		},
		{
			name:    "NotEnumerated",
			leaves:  table{0: {0xd}},
			wantErr: cpuid.ErrNoTSCFrequency,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := cpuid.TSCKHzFrom(test.leaves.cpuid)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("err = %v, want %v", err, test.wantErr)
			}

			if got != test.want {
				t.Fatalf("TSCKHzFrom = %d, want %d", got, test.want)
			}
		})
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	if got := cpuid.Mask(cpuid.AccessHypercallMsrs, cpuid.AccessVpIndex); got != 0x60 {
		t.Errorf("Mask = %#x, want 0x60", got)
	}

	enabled, disabled := cpuid.Enabled(cpuid.AllMisc, 1<<8)
	if len(enabled) != 1 || enabled[0] != cpuid.FrequencyRegsAvailable {
		t.Errorf("enabled = %v, want [FrequencyRegsAvailable]", enabled)
	}

	if len(disabled) != len(cpuid.AllMisc)-1 {
		t.Errorf("len(disabled) = %d, want %d", len(disabled), len(cpuid.AllMisc)-1)
	}

	if s := cpuid.Privilege(40).String(); s != "Privilege(40)" {
		t.Errorf("String() = %q", s)
	}
}
