package probe

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gokvm/hvenlight/hyperv"
)

// Stub disassembles the hypercall page code installed for a vCPU in mode.
func Stub(w io.Writer, mode hyperv.CPUMode) error {
	bits := 32
	if mode == hyperv.Mode64 {
		bits = 64
	}

	code := hyperv.HypercallStub(mode)

	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], bits)
		if err != nil {
			return fmt.Errorf("decoding %#02x: %w", code[pc:], err)
		}

		fmt.Fprintf(w, "%#04x: %-24s %s\n", pc, fmt.Sprintf("% x", code[pc:pc+inst.Len]),
			x86asm.GNUSyntax(inst, uint64(pc), nil))

		pc += inst.Len
	}

	return nil
}
