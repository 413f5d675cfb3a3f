package probe

import (
	"fmt"
	"io"
	"strings"

	"github.com/gokvm/hvenlight/cpuid"
	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/kvm"
)

// Leaf is one synthesized CPUID leaf.
type Leaf struct {
	Leaf     uint32   `yaml:"leaf"`
	EAX      uint32   `yaml:"eax"`
	EBX      uint32   `yaml:"ebx"`
	ECX      uint32   `yaml:"ecx"`
	EDX      uint32   `yaml:"edx"`
	Features []string `yaml:"features,omitempty"`
}

// CollectLeaves returns the Hyper-V leaves as a guest would read them.
func CollectLeaves() []Leaf {
	leaves := make([]Leaf, 0, len(hyperv.Leaves()))

	for _, l := range hyperv.Leaves() {
		var e kvm.CPUIDEntry2

		hyperv.InitCPUIDEntry(l, 0, 0, &e)

		leaf := Leaf{Leaf: l, EAX: e.Eax, EBX: e.Ebx, ECX: e.Ecx, EDX: e.Edx}

		if l == cpuid.LeafFeatures {
			leaf.Features = append(names(cpuid.AllPrivileges, e.Eax), names(cpuid.AllMisc, e.Edx)...)
		}

		leaves = append(leaves, leaf)
	}

	return leaves
}

func names[T cpuid.Feature](all []T, reg uint32) []string {
	enabled, _ := cpuid.Enabled(all, reg)

	s := make([]string, 0, len(enabled))
	for _, f := range enabled {
		s = append(s, f.String())
	}

	return s
}

// Leaves writes the synthesized CPUID leaves to w.
func Leaves(w io.Writer, f Format) error {
	if err := checkFormat(f); err != nil {
		return err
	}

	leaves := CollectLeaves()

	if f == YAML {
		return writeYAML(w, leaves)
	}

	for _, l := range leaves {
		fmt.Fprintf(w, "0x%08x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n", l.Leaf, l.EAX, l.EBX, l.ECX, l.EDX)

		if len(l.Features) > 0 {
			fmt.Fprintf(w, "* Enabled: %s\n", strings.Join(l.Features, " "))
		}
	}

	return nil
}
