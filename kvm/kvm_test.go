package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/gokvm/hvenlight/kvm"
)

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{name: "KVM_CREATE_VM", got: kvm.IIO(0x01), want: 0xae01},
		{name: "KVM_RUN", got: kvm.IIO(0x80), want: 0xae80},
		{name: "KVM_GET_REGS", got: kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), want: 0x8090ae81},
		{name: "KVM_SET_SREGS", got: kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), want: 0x4138ae84},
		{name: "KVM_SET_USER_MEMORY_REGION", got: kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), want: 0x4020ae46},
		{name: "KVM_ENABLE_CAP", got: kvm.IIOW(0xa3, unsafe.Sizeof(kvm.EnableCapArgs{})), want: 0x4068aea3},
		{name: "KVM_GET_MSRS", got: kvm.IIOWR(0x88, 8), want: 0xc008ae88},
		{name: "KVM_X86_SET_MSR_FILTER", got: kvm.IIOW(0xc6, unsafe.Sizeof(kvm.MSRFilter{})), want: 0x4188aec6},
		{name: "KVM_GET_DEVICE_ATTR", got: kvm.IIOW(0xe2, unsafe.Sizeof(kvm.DeviceAttr{})), want: 0x4018aee2},
	} {
		if test.got != test.want {
			t.Errorf("%s = %#x, want %#x", test.name, test.got, test.want)
		}
	}
}

func TestRunDataMSR(t *testing.T) {
	t.Parallel()

	r := &kvm.RunData{ExitReason: uint32(kvm.EXITX86WRMSR)}
	r.Data[1] = uint64(0x40000021)<<32 | uint64(kvm.MSRExitReasonFilter)
	r.Data[2] = 0x5001

	reason, index, data := r.MSR()
	if reason != kvm.MSRExitReasonFilter || index != 0x40000021 || data != 0x5001 {
		t.Fatalf("MSR() = %v, %#x, %#x", reason, index, data)
	}

	r.SetMSRResult(0, true)

	if r.Data[0]&0xff != 1 {
		t.Fatalf("error byte = %d, want 1", r.Data[0]&0xff)
	}

	r.SetMSRResult(42, false)

	if r.Data[0]&0xff != 0 || r.Data[2] != 42 {
		t.Fatalf("after success: error=%d data=%d", r.Data[0]&0xff, r.Data[2])
	}
}

func TestCPUIDUpsert(t *testing.T) {
	t.Parallel()

	c := &kvm.CPUID{}

	e := c.Upsert(0x40000001, 0)
	e.Eax = 1

	if c.Nent != 1 {
		t.Fatalf("Nent = %d, want 1", c.Nent)
	}

	if got := c.Upsert(0x40000001, 0); got != e || got.Eax != 1 {
		t.Fatal("Upsert did not return the existing entry")
	}

	c.Nent = uint32(len(c.Entries))

	if c.Upsert(0x40000002, 0) != nil {
		t.Fatal("Upsert on a full table succeeded")
	}
}

func TestDenyRange(t *testing.T) {
	t.Parallel()

	r := kvm.DenyRange(0x40000000, 0x24)

	if r.NMSRs != 0x24 || r.Base != 0x40000000 || r.Flags != kvm.MSRFilterRead|kvm.MSRFilterWrite {
		t.Fatalf("DenyRange = %+v", r)
	}

	bitmap := unsafe.Slice(r.Bitmap, 5)
	for i, b := range bitmap {
		if b != 0 {
			t.Errorf("bitmap[%d] = %#x, want 0", i, b)
		}
	}
}

func TestCapabilityString(t *testing.T) {
	t.Parallel()

	if s := kvm.CapX86MSRFilter.String(); s != "CapX86MSRFilter" {
		t.Errorf("String() = %q", s)
	}

	if s := kvm.Capability(9999).String(); s != "Capability(9999)" {
		t.Errorf("String() = %q", s)
	}
}

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("/dev/kvm: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	v, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if v != 12 {
		t.Fatalf("api version = %d, want 12", v)
	}
}

func TestCreateVCPUAndTSC(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	khz, err := kvm.GetTSCKHz(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if khz == 0 {
		t.Fatal("tsc khz is zero")
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}
}
