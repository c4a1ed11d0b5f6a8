package revision

// Mode gates whether resolution may create missing nodes.
type Mode int

const (
	// ReadOnly resolves existing nodes only.
	ReadOnly Mode = iota
	// ReadWrite resolves existing nodes the caller intends to mutate or delete.
	ReadWrite
	// Create resolves a node or appends it when absent.
	Create
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read_only"
	case ReadWrite:
		return "read_write"
	case Create:
		return "create"
	default:
		return "unknown"
	}
}

func (m Mode) creates() bool {
	return m == Create
}
