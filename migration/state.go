// Package migration provides the serializable form of a VM's Hyper-V
// enlightenment state.
package migration

import (
	"encoding/gob"
	"fmt"
	"io"
)

// HypervState is the per-VM Hyper-V context. Raw MSR values are kept next
// to the enabled flags because reset clears the flags but not the values.
type HypervState struct {
	GuestOSID           uint64
	HypercallRaw        uint64
	HypercallEnabled    bool
	ReferenceTSCRaw     uint64
	ReferenceTSCEnabled bool
	TSCScale            uint64
	TSCOffset           uint64
	TimeInitialized     bool
}

// Snapshot is the enlightenment state handed off with a VM.
// Guest memory, including the hypercall and reference TSC pages, is
// transferred separately.
type Snapshot struct {
	VMID   int
	NCPUs  int
	Hyperv HypervState
}

// Encode writes snap to w with gob.
func Encode(w io.Writer, snap *Snapshot) error {
	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return nil
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := gob.NewDecoder(r).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}
