package mm

// Zone classifies physical memory by its legacy accessibility constraints.
type Zone uint8

const (
	// ZoneDMA covers the first 16 MiB, reachable by legacy DMA devices.
	ZoneDMA Zone = iota

	// ZoneNormal covers 16 MiB to 896 MiB, used for regular allocations.
	ZoneNormal

	// ZoneHigh covers everything above 896 MiB.
	ZoneHigh
)

// String implements fmt.Stringer for Zone.
func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "normal"
	default:
		return "high"
	}
}

// VirtAddr describes a virtual memory address.
type VirtAddr uint64

// AlignDown rounds the address down to the given alignment, which must be a
// power of 2.
func (a VirtAddr) AlignDown(align uint64) VirtAddr {
	return a & VirtAddr(^(align - 1))
}

// AlignUp rounds the address up to the given alignment, which must be a
// power of 2.
func (a VirtAddr) AlignUp(align uint64) VirtAddr {
	return VirtAddr((uint64(a) + align - 1) & ^(align - 1))
}

// IsAligned returns true if the address is a multiple of align.
func (a VirtAddr) IsAligned(align uint64) bool {
	return uint64(a)%align == 0
}

// PageOffset returns the offset of the address within its page.
func (a VirtAddr) PageOffset() uint64 {
	return uint64(a) & (PageSize - 1)
}

// TableIndex extracts the 9-bit translation table index for the given level.
// Level 0 is the root table, level 3 the last one before the page.
func (a VirtAddr) TableIndex(level int) uint64 {
	shift := PageShift + 9*(3-uint(level))
	return (uint64(a) >> shift) & (EntriesPerTable - 1)
}

// PhysAddr describes a physical memory address.
type PhysAddr uint64

// AlignDown rounds the address down to the given alignment, which must be a
// power of 2.
func (a PhysAddr) AlignDown(align uint64) PhysAddr {
	return a & PhysAddr(^(align - 1))
}

// AlignUp rounds the address up to the given alignment, which must be a
// power of 2.
func (a PhysAddr) AlignUp(align uint64) PhysAddr {
	return PhysAddr((uint64(a) + align - 1) & ^(align - 1))
}

// IsAligned returns true if the address is a multiple of align.
func (a PhysAddr) IsAligned(align uint64) bool {
	return uint64(a)%align == 0
}

// PageOffset returns the offset of the address within its page.
func (a PhysAddr) PageOffset() uint64 {
	return uint64(a) & (PageSize - 1)
}

// Zone returns the memory zone that contains the address.
func (a PhysAddr) Zone() Zone {
	switch {
	case a < 16<<20:
		return ZoneDMA
	case a < 896<<20:
		return ZoneNormal
	default:
		return ZoneHigh
	}
}
