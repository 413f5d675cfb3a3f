package device

import "errors"

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice describes the interface a IO-Port device must implement regardless of the
// bus it is attached to.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}

// Covers reports whether port falls in the range decoded by d.
func Covers(d IODevice, port uint64) bool {
	return d.IOPort() <= port && port < d.IOPort()+d.Size()
}
