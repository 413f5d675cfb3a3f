package probe

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/memory"
	"github.com/gokvm/hvenlight/tsc"
)

// hostVCPU stands in for a vCPU whose TSC is the host's.
type hostVCPU struct{}

func (hostVCPU) Index() uint32        { return 0 }
func (hostVCPU) Mode() hyperv.CPUMode { return hyperv.Mode64 }
func (hostVCPU) TSCOffset() uint64    { return 0 }

// Clock runs the partition reference time model against the host TSC at
// khz and prints samples of TIME_REF_COUNT next to the wall clock, both in
// 100ns units.
func Clock(w io.Writer, log *logrus.Logger, khz uint64, samples int, interval time.Duration) error {
	mem := memory.New(1)
	defer mem.Close()

	if _, err := mem.NewMemorySlot(0, memory.PageSize, 0); err != nil {
		return err
	}

	hv := hyperv.New(0, mem, tsc.Host{KHz: khz}, hyperv.WithLogger(log))
	v := hostVCPU{}

	if err := hv.InitTime(v); err != nil {
		return err
	}

	if err := hv.WriteMSR(v, hyperv.MSRReferenceTSC, 1); err != nil {
		return err
	}

	base := hv.Snapshot()
	fmt.Fprintf(w, "tsc %d kHz, scale %#x, offset %d\n", khz, base.TSCScale, base.TSCOffset)

	start := time.Now()

	for i := 0; i < samples; i++ {
		time.Sleep(interval)

		ref, err := hv.ReadMSR(v, hyperv.MSRTimeRefCount)
		if err != nil {
			return err
		}

		wall := uint64(time.Since(start) / 100)
		fmt.Fprintf(w, "%3d ref %12d wall %12d drift %+d\n", i, ref, wall, int64(ref-wall))
	}

	return nil
}
