package ftpfs

// Capability records whether targeted single-file LIST works on a
// connection.
type Capability int

const (
	CapabilityUnset Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unset"
	}
}

// capabilityCache is owned by one Session. Once decided it never changes;
// a new connection starts a new cache.
type capabilityCache struct {
	value Capability
}

func (c *capabilityCache) get() Capability {
	return c.value
}

// set records v unless a decision was already made. It reports whether the
// value changed.
func (c *capabilityCache) set(v Capability) bool {
	if c.value != CapabilityUnset || v == CapabilityUnset {
		return false
	}
	c.value = v
	return true
}
