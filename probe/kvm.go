package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/gokvm/hvenlight/kvm"
)

// Capability is the availability of one KVM extension on this host.
type Capability struct {
	Name  string `yaml:"name"`
	Value int    `yaml:"value"`
}

// required lists the extensions the machine package depends on.
//
//nolint:gochecknoglobals
var required = []kvm.Capability{
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapExtCPUID,
	kvm.CapGetTSCKHz,
	kvm.CapReadonlyMem,
	kvm.CapX86UserSpaceMSR,
	kvm.CapX86MSRFilter,
	kvm.CapVCPUAttributes,
}

// CollectCapabilities queries the KVM device at path for the extensions
// the enlightenments need.
func CollectCapabilities(path string) ([]Capability, error) {
	kvmFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer kvmFile.Close()

	caps := make([]Capability, 0, len(required))

	for _, c := range required {
		v, err := kvm.CheckExtension(kvmFile.Fd(), c)
		if err != nil {
			return nil, fmt.Errorf("CheckExtension(%v): %w", c, err)
		}

		caps = append(caps, Capability{Name: c.String(), Value: v})
	}

	return caps, nil
}

// KVMCapabilities writes the result of CollectCapabilities to w.
func KVMCapabilities(w io.Writer, path string, f Format) error {
	if err := checkFormat(f); err != nil {
		return err
	}

	caps, err := CollectCapabilities(path)
	if err != nil {
		return err
	}

	if f == YAML {
		return writeYAML(w, caps)
	}

	for _, c := range caps {
		state := "missing"
		if c.Value > 0 {
			state = "ok"
		}

		fmt.Fprintf(w, "%-20s %-8s %d\n", c.Name, state, c.Value)
	}

	return nil
}
