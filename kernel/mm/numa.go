package mm

// NumaNode describes the physical memory range that is local to one memory
// controller.
type NumaNode struct {
	ID    uint32
	Start PhysAddr
	End   PhysAddr
}

// Topology holds the set of NUMA nodes known to the memory manager. The
// topology is seeded statically at init time; ACPI-based detection is the
// architecture layer's concern and out of scope here.
type Topology struct {
	nodes []NumaNode
}

// SingleNodeTopology returns a topology with one node spanning the supplied
// physical range.
func SingleNodeTopology(start, end PhysAddr) *Topology {
	return &Topology{nodes: []NumaNode{{ID: 0, Start: start, End: end}}}
}

// NodeCount returns the number of known NUMA nodes.
func (t *Topology) NodeCount() int {
	return len(t.nodes)
}

// NodeFor returns the id of the node whose range contains addr.
func (t *Topology) NodeFor(addr PhysAddr) (uint32, bool) {
	for _, n := range t.nodes {
		if addr >= n.Start && addr < n.End {
			return n.ID, true
		}
	}
	return 0, false
}
