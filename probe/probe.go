// Package probe prints what a guest sees of the Hyper-V interface: the
// synthesized CPUID leaves, the synthetic MSRs and the hypercall stub.
package probe

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Format selects the output encoding.
type Format string

const (
	Text Format = "text"
	YAML Format = "yaml"
)

var errFormat = errors.New("unknown output format")

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}

	return enc.Close()
}

func checkFormat(f Format) error {
	switch f {
	case Text, YAML:
		return nil
	}

	return fmt.Errorf("%w: %q", errFormat, f)
}

// Interface is everything probe reports, as one YAML document.
type Interface struct {
	CPUID []Leaf       `yaml:"cpuid"`
	MSRs  []MSR        `yaml:"msrs"`
	KVM   []Capability `yaml:"kvm,omitempty"`
}

// Describe writes the CPUID leaves and the MSR table to w, followed by the
// KVM extension check when kvmPath is set.
func Describe(w io.Writer, f Format, kvmPath string) error {
	if err := checkFormat(f); err != nil {
		return err
	}

	if f == YAML {
		iface := Interface{CPUID: CollectLeaves(), MSRs: CollectMSRs()}

		if kvmPath != "" {
			caps, err := CollectCapabilities(kvmPath)
			if err != nil {
				return err
			}

			iface.KVM = caps
		}

		return writeYAML(w, iface)
	}

	if err := Leaves(w, f); err != nil {
		return err
	}

	fmt.Fprintln(w)

	if err := MSRs(w, f); err != nil {
		return err
	}

	if kvmPath == "" {
		return nil
	}

	fmt.Fprintln(w)

	return KVMCapabilities(w, kvmPath, f)
}
