package machine

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gokvm/hvenlight/cpuid"
	"github.com/gokvm/hvenlight/device"
	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/kvm"
	"github.com/gokvm/hvenlight/memory"
	"github.com/gokvm/hvenlight/migration"
	"github.com/gokvm/hvenlight/tsc"
)

var (
	errTooManyCPUs     = errors.New("too many vcpus")
	errMemTooSmall     = errors.New("guest memory too small")
	errNoUserSpaceMSR  = errors.New("kvm cannot forward msr accesses to userspace")
	errCPUIDTableFull  = errors.New("cpuid table full")
	errProgramTooLarge = errors.New("program does not fit in guest memory")
	errNoDeviceForPort = errors.New("no device for io port")
)

//nolint:gochecknoglobals
var nextVMID atomic.Int32

// Machine is a KVM virtual machine whose synthetic MSR accesses and
// Hyper-V CPUID leaves are served by a hyperv.Context.
type Machine struct {
	ID int

	kvmFile *os.File
	kvmFd   uintptr
	vmFd    uintptr
	vcpus   []*VCPU
	mem     *memory.Memory
	ram     *memory.MemorySlot
	tscKHz  uint64

	hv      *hyperv.Context
	debug   *device.DebugPort
	devices []device.IODevice

	stopped atomic.Bool

	log *logrus.Entry
}

// New creates a VM with nCpus vCPUs and memSize bytes of RAM at guest
// physical 0, and initializes the Hyper-V reference time on vCPU 0. A nil
// log means the logrus standard logger.
func New(kvmPath string, nCpus, memSize int, log *logrus.Logger) (*Machine, error) {
	if nCpus < 1 || nCpus > hyperv.MaxVCPUsPerVM {
		return nil, fmt.Errorf("%w: %d (max %d)", errTooManyCPUs, nCpus, hyperv.MaxVCPUsPerVM)
	}

	if memSize < MinMemSize {
		return nil, fmt.Errorf("%w: %#x < %#x", errMemTooSmall, memSize, MinMemSize)
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	id := int(nextVMID.Add(1))
	m := &Machine{
		ID:  id,
		mem: memory.New(1),
		log: log.WithField("vm", id),
	}

	if err := m.init(kvmPath, nCpus, memSize, log); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) init(kvmPath string, nCpus, memSize int, log *logrus.Logger) error {
	var err error

	if m.kvmFile, err = os.OpenFile(kvmPath, os.O_RDWR, 0o644); err != nil {
		return fmt.Errorf("%s: %w", kvmPath, err)
	}

	m.kvmFd = m.kvmFile.Fd()

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := m.initMSRExits(); err != nil {
		return err
	}

	if err := m.initMemory(memSize); err != nil {
		return err
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	for i := 0; i < nCpus; i++ {
		v, err := m.newVCPU(i, int(mmapSize))
		if err != nil {
			return err
		}

		m.vcpus = append(m.vcpus, v)
	}

	m.tscKHz = m.guestTSCKHz()
	m.hv = hyperv.New(m.ID, m.mem, tsc.Host{KHz: m.tscKHz}, hyperv.WithLogger(log))

	if err := m.hv.InitTime(m.vcpus[0]); err != nil {
		return err
	}

	m.debug = device.NewDebugPort(m.log.WithField("device", "debug"))
	m.devices = []device.IODevice{m.debug}

	return nil
}

// initMSRExits makes KVM hand every access to the synthetic MSR window to
// userspace instead of its own Hyper-V emulation.
func (m *Machine) initMSRExits() error {
	for _, c := range []kvm.Capability{kvm.CapX86UserSpaceMSR, kvm.CapX86MSRFilter} {
		if ok, err := kvm.CheckExtension(m.kvmFd, c); err != nil || ok <= 0 {
			return fmt.Errorf("%w: %v", errNoUserSpaceMSR, c)
		}
	}

	reasons := kvm.MSRExitReasonFilter | kvm.MSRExitReasonUnknown | kvm.MSRExitReasonInval
	if err := kvm.EnableCap(m.vmFd, kvm.CapX86UserSpaceMSR, uint64(reasons)); err != nil {
		return fmt.Errorf("EnableCap(%v): %w", kvm.CapX86UserSpaceMSR, err)
	}

	filter := &kvm.MSRFilter{Flags: kvm.MSRFilterDefaultAllow}
	filter.Ranges[0] = kvm.DenyRange(hyperv.MSRRangeBase, hyperv.MSRRangeSize)

	if err := kvm.SetMSRFilter(m.vmFd, filter); err != nil {
		return fmt.Errorf("SetMSRFilter: %w", err)
	}

	return nil
}

func (m *Machine) initMemory(memSize int) error {
	var err error

	if m.ram, err = m.mem.NewMemorySlot(0, memSize, 0); err != nil {
		return err
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          m.ram.Slot,
		Flags:         uint32(m.ram.Flags),
		GuestPhysAddr: m.ram.Addr,
		MemorySize:    uint64(m.ram.Size),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.ram.Buf[0]))),
	})
	if err != nil {
		return fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	return nil
}

func (m *Machine) newVCPU(i, mmapSize int) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(m.vmFd, i)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU(%d): %w", i, err)
	}

	v := &VCPU{id: i, fd: fd, log: m.log.WithField("vcpu", i)}

	if err := m.initCPUID(v); err != nil {
		unix.Close(int(fd))

		return nil, err
	}

	r, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run of vcpu %d: %w", i, err)
	}

	v.runBuf = r
	v.run = (*kvm.RunData)(unsafe.Pointer(&r[0]))

	return v, nil
}

// initCPUID installs the host's supported leaves with the hypervisor
// range replaced by the Hyper-V leaves.
func (m *Machine) initCPUID(v *VCPU) error {
	table := &kvm.CPUID{}
	table.Nent = 100

	if err := kvm.GetSupportedCPUID(m.kvmFd, table); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	if e := table.Entry(cpuidFuncPerMon, 0); e != nil {
		e.Eax = 0 // disable
	}

	vendor := table.Upsert(cpuid.LeafVendor, 0)
	if vendor == nil {
		return errCPUIDTableFull
	}

	vendor.Eax = cpuid.LeafHardwareFeatures
	vendor.Ebx, vendor.Ecx, vendor.Edx = hvVendorEBX, hvVendorECX, hvVendorEDX

	for _, leaf := range hyperv.Leaves() {
		e := table.Upsert(leaf, 0)
		if e == nil {
			return errCPUIDTableFull
		}

		hyperv.InitCPUIDEntry(leaf, 0, e.Flags, e)
	}

	if err := kvm.SetCPUID2(v.fd, table); err != nil {
		return fmt.Errorf("SetCPUID2(%d): %w", v.id, err)
	}

	return nil
}

// guestTSCKHz is the frequency of the guest's TSC, which KVM keeps equal
// to the host's unless TSC scaling is in use.
func (m *Machine) guestTSCKHz() uint64 {
	khz, err := kvm.GetTSCKHz(m.vcpus[0].fd)
	if err == nil && khz != 0 {
		return khz
	}

	m.log.WithError(err).Debug("KVM_GET_TSC_KHZ failed, using cpuid")

	khz, err = cpuid.TSCKHz()
	if err != nil {
		m.log.WithError(err).Warn("tsc frequency unknown")
	}

	return khz
}

// LoadProgram copies code to guest physical entry and points every vCPU
// at it in flat 32-bit protected mode with the stack at stack.
func (m *Machine) LoadProgram(code []byte, entry, stack uint64) error {
	if entry+uint64(len(code)) > uint64(m.ram.Size) || stack > uint64(m.ram.Size) {
		return fmt.Errorf("%w: %d bytes at %#x", errProgramTooLarge, len(code), entry)
	}

	copy(m.ram.Buf[entry:], code)

	for _, v := range m.vcpus {
		if err := initRegs(v, entry, stack); err != nil {
			return err
		}

		if err := initSregs(v); err != nil {
			return err
		}
	}

	return nil
}

func initRegs(v *VCPU, rip, rsp uint64) error {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSP = rsp

	return kvm.SetRegs(v.fd, regs)
}

func initSregs(v *VCPU) error {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return err
	}

	// set all segment flat
	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= CR0xPE // protected mode

	return kvm.SetSregs(v.fd, sregs)
}

// NCPUs is the number of vCPUs.
func (m *Machine) NCPUs() int {
	return len(m.vcpus)
}

// VCPU returns vCPU i.
func (m *Machine) VCPU(i int) *VCPU {
	return m.vcpus[i]
}

// Hyperv returns the VM's Hyper-V context.
func (m *Machine) Hyperv() *hyperv.Context {
	return m.hv
}

// DebugPort returns the device recording guest writes to port 0x80.
func (m *Machine) DebugPort() *device.DebugPort {
	return m.debug
}

// TSCKHz is the guest TSC frequency the enlightenments report.
func (m *Machine) TSCKHz() uint64 {
	return m.tscKHz
}

// Memory returns the guest RAM as seen by the host.
func (m *Machine) Memory() []byte {
	return m.ram.Buf
}

// RunInfiniteLoop runs vCPU i until it halts or fails.
func (m *Machine) RunInfiniteLoop(i int) error {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// vcpu ioctls should be issued from the same thread that was used to create
	// the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	// the documentation.  Otherwise, the first ioctl after switching threads
	// could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !m.stopped.Load() {
		isContinue, err := m.RunOnce(i)
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}

	return nil
}

// Stop makes every vCPU loop return at its next exit.
func (m *Machine) Stop() {
	m.stopped.Store(true)

	for _, v := range m.vcpus {
		v.run.ImmediateExit = 1
	}
}

// Stopped reports whether Stop has been called.
func (m *Machine) Stopped() bool {
	return m.stopped.Load()
}

// RunOnce enters vCPU i once and handles the exit. It returns false when
// the vCPU halted.
func (m *Machine) RunOnce(i int) (bool, error) {
	v := m.vcpus[i]
	err := kvm.Run(v.fd)

	if errors.Is(err, unix.EINTR) {
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("KVM_RUN vcpu %d: %w", i, err)
	}

	switch kvm.ExitType(v.run.ExitReason) {
	case kvm.EXITHLT:
		v.log.Debug("KVM_EXIT_HLT")

		return false, nil
	case kvm.EXITIO:
		return true, m.handleIO(v)
	case kvm.EXITX86RDMSR:
		reason, index, _ := v.run.MSR()
		val, err := m.hv.ReadMSR(v, index)
		v.run.SetMSRResult(val, err != nil)

		if err != nil {
			v.log.WithField("reason", reason).WithError(err).Debug("rdmsr raises #GP")
		}

		return true, nil
	case kvm.EXITX86WRMSR:
		reason, index, data := v.run.MSR()
		err := m.hv.WriteMSR(v, index, data)
		v.run.SetMSRResult(data, err != nil)

		if err != nil {
			v.log.WithField("reason", reason).WithError(err).Debug("wrmsr raises #GP")
		}

		return true, nil
	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d", kvm.ErrUnexpectedExitReason, v.run.ExitReason)
	}
}

func (m *Machine) handleIO(v *VCPU) error {
	direction, size, port, count, _ := v.run.IO()
	data := v.run.IOData()

	var dev device.IODevice

	for _, d := range m.devices {
		if device.Covers(d, port) {
			dev = d

			break
		}
	}

	if dev == nil {
		return fmt.Errorf("%w: 0x%x", errNoDeviceForPort, port)
	}

	for c := uint64(0); c < count; c++ {
		b := data[c*size : (c+1)*size]

		var err error
		if direction == kvm.EXITIOIN {
			err = dev.Read(port, b)
		} else {
			err = dev.Write(port, b)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// Reset is the partition reset hook.
func (m *Machine) Reset() {
	m.hv.Reset()
	m.debug.Reset()
}

// Snapshot captures the enlightenment state of the VM.
func (m *Machine) Snapshot() *migration.Snapshot {
	return &migration.Snapshot{
		VMID:   m.ID,
		NCPUs:  len(m.vcpus),
		Hyperv: m.hv.Snapshot(),
	}
}

// Restore loads enlightenment state captured by Snapshot.
func (m *Machine) Restore(s *migration.Snapshot) {
	m.hv.Restore(s.Hyperv)
}

// Close releases the VM.
func (m *Machine) Close() error {
	var errs []error

	for _, v := range m.vcpus {
		errs = append(errs, v.close())
	}

	m.vcpus = nil

	if m.vmFd != 0 {
		errs = append(errs, unix.Close(int(m.vmFd)))
		m.vmFd = 0
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
	}

	if m.kvmFile != nil {
		errs = append(errs, m.kvmFile.Close())
		m.kvmFile = nil
	}

	return errors.Join(errs...)
}
