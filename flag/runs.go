package flag

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/gokvm/hvenlight/cpuid"
	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/probe"
	"github.com/gokvm/hvenlight/vmm"
)

const (
	programName = "hvenlight"
	programDesc = "hvenlight presents the Hyper-V enlightenment interface to KVM guests"
)

// runContext is bound to every command's Run method.
type runContext struct {
	out io.Writer
	log *logrus.Logger
}

// Parse parses os.Args and runs the selected command.
func Parse() error {
	return Run(os.Args[1:], os.Stdout)
}

// Run parses args and runs the selected command, writing results to out.
func Run(args []string, out io.Writer) error {
	c := CLI{}

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.Writers(out, os.Stderr),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()
	if c.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	return ctx.Run(&runContext{out: out, log: log})
}

func (d *ProbeCMD) Run(rc *runContext) error {
	return probe.Describe(rc.out, probe.Format(d.Format), d.KVM)
}

func (s *StubCMD) Run(rc *runContext) error {
	mode := hyperv.ModeProtected
	if s.Mode == "64" {
		mode = hyperv.Mode64
	}

	return probe.Stub(rc.out, mode)
}

func (c *ClockCMD) Run(rc *runContext) error {
	khz := c.TSCKHz
	if khz == 0 {
		var err error
		if khz, err = cpuid.TSCKHz(); err != nil {
			return fmt.Errorf("%w; pass --tsc-khz", err)
		}
	}

	return probe.Clock(rc.out, rc.log, khz, c.Samples, c.Interval)
}

func (r *RunCMD) Run(rc *runContext) error {
	memSize, err := ParseSize(r.MemSize, "m")
	if err != nil {
		return err
	}

	v := vmm.New(vmm.Config{
		Dev:     r.Dev,
		NCPUs:   r.NCPUs,
		MemSize: memSize,
		Save:    r.Save,
	}, rc.log)

	if err := v.Init(); err != nil {
		return err
	}
	defer v.Close()

	if err := v.Setup(); err != nil {
		return err
	}

	if err := v.Boot(context.Background()); err != nil {
		return err
	}

	report, checkErr := v.Report()
	if report != nil {
		if err := writeReport(rc.out, r.Format, report); err != nil {
			return err
		}
	}

	if err := v.SaveSnapshot(); err != nil {
		return err
	}

	return checkErr
}

func writeReport(w io.Writer, format string, r any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(r); err != nil {
			return err
		}

		return enc.Close()
	}

	_, err := fmt.Fprintf(w, "%+v\n", r)

	return err
}
