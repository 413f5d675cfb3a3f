package machine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/kvm"
	"github.com/gokvm/hvenlight/tsc"
)

// VCPU is one virtual CPU of a Machine. It is the hyperv.VCPU seen by the
// enlightenment code while handling this vCPU's exits.
type VCPU struct {
	id     int
	fd     uintptr
	run    *kvm.RunData
	runBuf []byte
	log    *logrus.Entry

	// noTSCAttr is set once KVM_GET_DEVICE_ATTR failed for the TSC
	// offset; later calls go straight to the MSR fallback.
	noTSCAttr bool
}

func (v *VCPU) close() error {
	var errs []error

	if v.runBuf != nil {
		errs = append(errs, unix.Munmap(v.runBuf))
		v.runBuf, v.run = nil, nil
	}

	errs = append(errs, unix.Close(int(v.fd)))

	return errors.Join(errs...)
}

func (v *VCPU) Index() uint32 {
	return uint32(v.id)
}

// Mode reads the vCPU's execution mode from its special registers.
func (v *VCPU) Mode() hyperv.CPUMode {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		v.log.WithError(err).Warn("GetSregs: assuming protected mode")

		return hyperv.ModeProtected
	}

	return cpuMode(sregs)
}

func cpuMode(s *kvm.Sregs) hyperv.CPUMode {
	switch {
	case s.CR0&CR0xPE == 0:
		return hyperv.ModeReal
	case s.EFER&EFERxLMA != 0 && s.CS.L == 1:
		return hyperv.Mode64
	case s.EFER&EFERxLMA != 0:
		return hyperv.ModeCompatibility
	}

	return hyperv.ModeProtected
}

// TSCOffset is the value KVM adds to the host TSC for this vCPU. Without
// the vCPU TSC attribute it is estimated as guest TSC minus host TSC.
func (v *VCPU) TSCOffset() uint64 {
	if !v.noTSCAttr {
		off, err := kvm.GetTSCOffset(v.fd)
		if err == nil {
			return off
		}

		v.log.WithError(err).Debug("KVM_VCPU_TSC_OFFSET unavailable, using IA32_TSC")
		v.noTSCAttr = true
	}

	off, err := v.tscOffsetFromMSR()
	if err != nil {
		v.log.WithError(err).Warn("cannot read guest tsc, assuming offset 0")

		return 0
	}

	return off
}

func (v *VCPU) tscOffsetFromMSR() (uint64, error) {
	msrs := &kvm.MSRS{NMSRs: 1}
	msrs.Entries[0].Index = msrIA32TSC

	host := tsc.Rdtsc()

	if err := kvm.GetMSRs(v.fd, msrs); err != nil {
		return 0, fmt.Errorf("GetMSRs(IA32_TSC): %w", err)
	}

	return msrs.Entries[0].Data - host, nil
}
