package probe

import (
	"fmt"
	"io"

	"github.com/gokvm/hvenlight/hyperv"
)

// MSR is one synthetic MSR and how a guest may access it.
type MSR struct {
	Index  uint32 `yaml:"index"`
	Name   string `yaml:"name"`
	Access string `yaml:"access"`
}

func CollectMSRs() []MSR {
	infos := hyperv.MSRs()
	msrs := make([]MSR, 0, len(infos))

	for _, i := range infos {
		access := "ro"
		if i.Writable {
			access = "rw"
		}

		msrs = append(msrs, MSR{Index: i.Index, Name: i.Name, Access: access})
	}

	return msrs
}

// MSRs writes the synthetic MSR table to w.
func MSRs(w io.Writer, f Format) error {
	if err := checkFormat(f); err != nil {
		return err
	}

	msrs := CollectMSRs()

	if f == YAML {
		return writeYAML(w, msrs)
	}

	for _, m := range msrs {
		fmt.Fprintf(w, "0x%08x %-16s %s\n", m.Index, m.Name, m.Access)
	}

	return nil
}
