package swap

// Swap entries are stored in non-present translation table entries. Bit 0
// stays clear so the processor keeps treating the entry as not present; the
// slot offset occupies bits 1-55 and the device identifier bits 56-63.
const (
	offsetShift = 1
	offsetBits  = 55
	deviceShift = 56

	// MaxOffset is the largest slot offset an entry can carry.
	MaxOffset = uint64(1)<<offsetBits - 1
)

// Entry identifies one page-sized slot on a swap device.
type Entry struct {
	Device uint8
	Offset uint64
}

// Encode packs the entry into a non-present translation table entry value.
func (e Entry) Encode() uint64 {
	return uint64(e.Device)<<deviceShift | (e.Offset&MaxOffset)<<offsetShift
}

// DecodeEntry unpacks an entry previously produced by Encode.
func DecodeEntry(v uint64) Entry {
	return Entry{
		Device: uint8(v >> deviceShift),
		Offset: (v >> offsetShift) & MaxOffset,
	}
}

// IsSwapEntry returns true if a translation table entry value carries a
// swap entry: the present bit is clear but the value is not zero.
func IsSwapEntry(v uint64) bool {
	return v&1 == 0 && v != 0
}
