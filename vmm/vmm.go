package vmm

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gokvm/hvenlight/machine"
	"github.com/gokvm/hvenlight/migration"
	"github.com/gokvm/hvenlight/selftest"
)

// Config holds the options of the run command.
type Config struct {
	Dev     string
	NCPUs   int
	MemSize int
	// Save names a file to receive the enlightenment snapshot after the
	// guest halts. Empty means no snapshot.
	Save string
}

type VMM struct {
	*machine.Machine
	Config

	log *logrus.Logger
}

func New(c Config, log *logrus.Logger) *VMM {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &VMM{
		Machine: nil,
		Config:  c,
		log:     log,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.Config.Dev, v.Config.NCPUs, v.Config.MemSize, v.log)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup loads the self-test guest.
func (v *VMM) Setup() error {
	return v.LoadProgram(selftest.Program(), selftest.CodeAddr, selftest.StackTop)
}

// Boot runs every vCPU until it halts. The first failing vCPU, or
// cancellation of ctx, stops the others. Stop is never called after Boot
// returns.
func (v *VMM) Boot(ctx context.Context) error {
	var g errgroup.Group

	done := make(chan struct{})
	watcher := make(chan struct{})

	go func() {
		defer close(watcher)

		select {
		case <-ctx.Done():
			v.Stop()
		case <-done:
		}
	}()

	for cpu := 0; cpu < v.Config.NCPUs; cpu++ {
		v.log.Infof("Start CPU %d of %d", cpu, v.Config.NCPUs)

		g.Go(func() error {
			if err := v.RunInfiniteLoop(cpu); err != nil {
				v.Stop()

				return fmt.Errorf("cpu %d: %w", cpu, err)
			}

			v.log.Infof("CPU %d exits", cpu)

			return nil
		})
	}

	err := g.Wait()

	close(done)
	<-watcher

	if err != nil {
		return err
	}

	return ctx.Err()
}

// Report checks what the guest wrote to the debug port.
func (v *VMM) Report() (*selftest.Report, error) {
	r, err := selftest.Parse(v.DebugPort().Records())
	if err != nil {
		return nil, err
	}

	return r, selftest.Expect(r, v.TSCKHz())
}

// SaveSnapshot writes the enlightenment state to v.Config.Save, if set.
func (v *VMM) SaveSnapshot() error {
	if v.Config.Save == "" {
		return nil
	}

	f, err := os.Create(v.Config.Save)
	if err != nil {
		return err
	}

	if err := migration.Encode(f, v.Snapshot()); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}
