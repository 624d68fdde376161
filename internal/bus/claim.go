package bus

// BufferClaim is a reserved region in a publication. Write into Buffer, then
// Commit or Abort exactly once.
type BufferClaim struct {
	e      *entry
	s      *stream
	closed bool
}

func (c *BufferClaim) Buffer() []byte {
	if c.e == nil {
		return nil
	}
	return c.e.data
}

func (c *BufferClaim) Length() int {
	return len(c.Buffer())
}

func (c *BufferClaim) SetFlags(flags uint8) {
	if c.e != nil {
		c.e.flags = flags
	}
}

func (c *BufferClaim) Flags() uint8 {
	if c.e == nil {
		return 0
	}
	return c.e.flags
}

func (c *BufferClaim) Commit() {
	c.finish(stateCommitted)
}

// Abort turns the reservation into padding that readers skip.
func (c *BufferClaim) Abort() {
	c.finish(stateAborted)
}

func (c *BufferClaim) finish(st entryState) {
	if c.e == nil || c.closed {
		return
	}
	c.s.mu.Lock()
	c.e.state = st
	c.s.mu.Unlock()
	c.closed = true
	c.e = nil
	c.s = nil
}
