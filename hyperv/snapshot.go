package hyperv

import "github.com/gokvm/hvenlight/migration"

// Snapshot captures the context for migration.
func (c *Context) Snapshot() migration.HypervState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return migration.HypervState{
		GuestOSID:           c.guestOSID,
		HypercallRaw:        c.hypercall.Raw,
		HypercallEnabled:    c.hypercall.Enabled,
		ReferenceTSCRaw:     c.referenceTSC.Raw,
		ReferenceTSCEnabled: c.referenceTSC.Enabled,
		TSCScale:            c.tscScale,
		TSCOffset:           c.tscOffset,
		TimeInitialized:     c.timeInitialized,
	}
}

// Restore loads a snapshot taken by Snapshot. Guest pages are not
// rewritten: they travel with guest memory.
func (c *Context) Restore(s migration.HypervState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.guestOSID = s.GuestOSID
	c.hypercall = decodePageMSR(s.HypercallRaw)
	c.hypercall.Enabled = s.HypercallEnabled
	c.referenceTSC = decodePageMSR(s.ReferenceTSCRaw)
	c.referenceTSC.Enabled = s.ReferenceTSCEnabled
	c.tscScale = s.TSCScale
	c.tscOffset = s.TSCOffset
	c.timeInitialized = s.TimeInitialized

	c.log.Debug("hv: context restored")
}
