package device

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

// DebugPortAddr is the POST code port, which guests may write freely.
const DebugPortAddr = 0x80

// DebugPort collects the values a guest writes to port 0x80. Writes may be
// 1, 2 or 4 bytes wide and are recorded zero-extended.
type DebugPort struct {
	mu      sync.Mutex
	records []uint32
	log     *logrus.Entry
}

func NewDebugPort(log *logrus.Entry) *DebugPort {
	return &DebugPort{log: log}
}

// Read returns all ones, like an undecoded port.
func (p *DebugPort) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}

	return nil
}

func (p *DebugPort) Write(port uint64, data []byte) error {
	var v uint32

	switch len(data) {
	case 1:
		v = uint32(data[0])
	case 2:
		v = uint32(binary.LittleEndian.Uint16(data))
	case 4:
		v = binary.LittleEndian.Uint32(data)
	default:
		return errDataLenInvalid
	}

	p.mu.Lock()
	p.records = append(p.records, v)
	p.mu.Unlock()

	if p.log != nil {
		p.log.WithField("value", v).Debug("debug port write")
	}

	return nil
}

func (p *DebugPort) IOPort() uint64 {
	return DebugPortAddr
}

func (p *DebugPort) Size() uint64 {
	return 0x1
}

// Records returns a copy of everything written so far.
func (p *DebugPort) Records() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]uint32(nil), p.records...)
}

// Reset forgets the recorded values.
func (p *DebugPort) Reset() {
	p.mu.Lock()
	p.records = nil
	p.mu.Unlock()
}
