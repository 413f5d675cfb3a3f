package hyperv

// This hypervisor implements no hypercalls. A conforming hypervisor must
// answer unimplemented hypercalls with HV_STATUS_INVALID_HYPERCALL_CODE,
// so the hypercall page holds a stub that returns exactly that.

// HVStatusInvalidHypercallCode is the status every hypercall returns.
const HVStatusInvalidHypercallCode = 2

//nolint:gochecknoglobals
var (
	// mov eax, 0x02 ; mov edx, 0 ; ret
	hypercallStub32 = [11]byte{0xb8, 0x02, 0x00, 0x00, 0x00, 0xba, 0x00, 0x00, 0x00, 0x00, 0xc3}
	// mov rax, 0x02 ; ret
	hypercallStub64 = [8]byte{0x48, 0xc7, 0xc0, 0x02, 0x00, 0x00, 0x00, 0xc3}
)

// HypercallStub returns the hypercall page code for a vCPU in mode.
func HypercallStub(mode CPUMode) []byte {
	if mode == Mode64 {
		b := hypercallStub64

		return b[:]
	}

	b := hypercallStub32

	return b[:]
}

// setupHypercallPage fills the guest's hypercall page with the stub
// matching the mode of the vCPU that enabled it.
func (c *Context) setupHypercallPage(v VCPU) {
	if !c.hypercall.Enabled {
		return
	}

	mode := v.Mode()

	c.withPage(c.hypercall.GPA(), "hypercall", func(page []byte) {
		clear(page)
		copy(page, HypercallStub(mode))

		c.log.WithField("mode", mode).Debug("hv: hypercall page installed")
	})
}
