package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert an address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uint64(1) << PageShift

	// EntriesPerTable defines the number of entries in each translation
	// table. Virtual addresses are split into 9-bit table indices, so a
	// table holds 512 entries of 8 bytes each and spans exactly one page.
	EntriesPerTable = 512

	// EntrySize is the size of a single table entry in bytes.
	EntrySize = 8
)

// HugePageSize enumerates the supported huge page sizes.
type HugePageSize uint8

const (
	// Size2MiB selects 2 MiB huge pages installed at the third
	// translation level.
	Size2MiB HugePageSize = iota

	// Size1GiB selects 1 GiB huge pages installed at the second
	// translation level.
	Size1GiB
)

// Bytes returns the size of the huge page in bytes. Huge page mappings must
// be aligned to this value.
func (s HugePageSize) Bytes() uint64 {
	if s == Size1GiB {
		return 1 << 30
	}
	return 2 << 20
}
