package hyperv

// Reset disables the enlightenments on partition reset. Stored MSR values
// and the reference time scale and offset survive.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hypercall.Enabled = false
	c.guestOSID = 0
	c.referenceTSC.Enabled = false

	c.log.Debug("hv: partition reset")
}
