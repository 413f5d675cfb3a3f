package selftest

import "encoding/binary"

// asm emits the handful of 32-bit instructions the guest program needs.
type asm struct {
	b []byte
}

func (a *asm) emit(b ...byte) *asm {
	a.b = append(a.b, b...)

	return a
}

func (a *asm) imm32(v uint32) *asm {
	a.b = binary.LittleEndian.AppendUint32(a.b, v)

	return a
}

func (a *asm) movEAX(v uint32) *asm { return a.emit(0xb8).imm32(v) }
func (a *asm) movECX(v uint32) *asm { return a.emit(0xb9).imm32(v) }
func (a *asm) movEDX(v uint32) *asm { return a.emit(0xba).imm32(v) }
func (a *asm) movEBX(v uint32) *asm { return a.emit(0xbb).imm32(v) }
func (a *asm) movESI(v uint32) *asm { return a.emit(0xbe).imm32(v) }

// movEAXMem is mov eax, [addr].
func (a *asm) movEAXMem(addr uint32) *asm { return a.emit(0xa1).imm32(addr) }

func (a *asm) movEAXEDX() *asm { return a.emit(0x89, 0xd0) }
func (a *asm) xorEDX() *asm    { return a.emit(0x31, 0xd2) }
func (a *asm) testEAX() *asm   { return a.emit(0x85, 0xc0) }
func (a *asm) callEBX() *asm   { return a.emit(0xff, 0xd3) }
func (a *asm) rdmsr() *asm     { return a.emit(0x0f, 0x32) }
func (a *asm) wrmsr() *asm     { return a.emit(0x0f, 0x30) }
func (a *asm) cpuid() *asm     { return a.emit(0x0f, 0xa2) }
func (a *asm) hlt() *asm       { return a.emit(0xf4) }

// jz skips the next n bytes when ZF is set.
func (a *asm) jz(n int8) *asm { return a.emit(0x74, byte(n)) }

// outEAX writes eax to an 8-bit port.
func (a *asm) outEAX(port uint8) *asm { return a.emit(0xe7, port) }

// spin burns cycles: dec esi; jnz back to the dec.
func (a *asm) spin(n uint32) *asm {
	return a.movESI(n).emit(0x4e, 0x75, 0xfd)
}

// report writes eax, or edx:eax low half first when wide, to the debug
// port.
func (a *asm) report(wide bool) *asm {
	a.outEAX(reportPort)

	if wide {
		a.movEAXEDX().outEAX(reportPort)
	}

	return a
}
