package mm

import "encoding/binary"

// PhysWindow is the capability through which the memory manager touches
// physical memory: translation tables, slab objects and page contents are
// all read and written through it. Keeping physical access behind this
// narrow interface makes every dereference of a physical address auditable
// and lets tests supply simulated memory.
//
// All implementations must panic on accesses outside the configured
// physical range: an out-of-window access means the caller is holding a
// corrupted physical address and no recovery is possible.
type PhysWindow interface {
	// ReadWord returns the 8-byte little-endian word at addr.
	ReadWord(addr PhysAddr) uint64

	// WriteWord stores an 8-byte little-endian word at addr.
	WriteWord(addr PhysAddr, v uint64)

	// ZeroFrame fills the frame contents with zeroes.
	ZeroFrame(f Frame)

	// CopyFrame copies the contents of frame src into frame dst.
	CopyFrame(dst, src Frame)

	// Data returns the n bytes starting at addr as a mutable slice
	// aliasing the underlying memory.
	Data(addr PhysAddr, n uint64) []byte
}

// BufferWindow implements PhysWindow on top of a byte slice covering the
// physical range [start, start+len(buf)). It backs the hosted memory
// manager and all of its tests.
type BufferWindow struct {
	start PhysAddr
	buf   []byte
}

// NewBufferWindow allocates a zeroed physical memory buffer of the given
// size, addressed starting at start.
func NewBufferWindow(start PhysAddr, size uint64) *BufferWindow {
	return &BufferWindow{start: start, buf: make([]byte, size)}
}

// Start returns the first physical address covered by the window.
func (w *BufferWindow) Start() PhysAddr { return w.start }

// Size returns the number of bytes covered by the window.
func (w *BufferWindow) Size() uint64 { return uint64(len(w.buf)) }

// ReadWord returns the 8-byte little-endian word at addr.
func (w *BufferWindow) ReadWord(addr PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(w.Data(addr, EntrySize))
}

// WriteWord stores an 8-byte little-endian word at addr.
func (w *BufferWindow) WriteWord(addr PhysAddr, v uint64) {
	binary.LittleEndian.PutUint64(w.Data(addr, EntrySize), v)
}

// ZeroFrame fills the frame contents with zeroes.
func (w *BufferWindow) ZeroFrame(f Frame) {
	data := w.Data(f.Address(), PageSize)
	for i := range data {
		data[i] = 0
	}
}

// CopyFrame copies the contents of frame src into frame dst.
func (w *BufferWindow) CopyFrame(dst, src Frame) {
	copy(w.Data(dst.Address(), PageSize), w.Data(src.Address(), PageSize))
}

// Data returns the n bytes starting at addr as a mutable slice aliasing the
// window's memory. It panics if [addr, addr+n) is not fully contained in
// the window.
func (w *BufferWindow) Data(addr PhysAddr, n uint64) []byte {
	if addr < w.start || uint64(addr-w.start)+n > uint64(len(w.buf)) {
		panic(&kernelRangeError{addr: addr})
	}
	off := uint64(addr - w.start)
	return w.buf[off : off+n]
}

type kernelRangeError struct {
	addr PhysAddr
}

func (e *kernelRangeError) Error() string {
	return "physical access outside the mapped window"
}
