package flag

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

type Globals struct {
	Debug bool `help:"Log every synthetic MSR and CPUID access."`
}

type CLI struct {
	Globals

	Probe ProbeCMD `cmd:"" help:"Print the Hyper-V CPUID leaves and synthetic MSRs."`
	Stub  StubCMD  `cmd:"" help:"Disassemble the hypercall page code."`
	Clock ClockCMD `cmd:"" help:"Sample the partition reference time on the host TSC."`
	Run   RunCMD   `cmd:"" help:"Boot the self-test guest and check what it saw."`
}

type ProbeCMD struct {
	Format string `enum:"text,yaml" default:"text" help:"Output format (text, yaml)."`
	KVM    string `name:"kvm" placeholder:"/dev/kvm" help:"Also check this KVM device for the extensions the run command needs."`
}

type StubCMD struct {
	Mode string `enum:"32,64" default:"64" help:"Guest mode of the vCPU enabling the page (32, 64)."`
}

type ClockCMD struct {
	TSCKHz   uint64        `name:"tsc-khz" help:"TSC frequency in kHz, detected from CPUID when 0."`
	Samples  int           `default:"5" help:"Number of samples."`
	Interval time.Duration `default:"100ms" help:"Time between samples."`
}

type RunCMD struct {
	Dev     string `short:"D" default:"/dev/kvm" help:"Path of kvm device."`
	NCPUs   int    `short:"c" name:"cpus" default:"1" help:"Number of cpus."`
	MemSize string `short:"m" name:"mem" default:"1M" help:"Memory size: as number[gGmMkK], optional units, defaults to M."`
	Save    string `type:"path" help:"Write the enlightenment snapshot to this file."`
	Format  string `enum:"text,yaml" default:"text" help:"Report format (text, yaml)."`
}
