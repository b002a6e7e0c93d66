package mm

import (
	"math"

	"github.com/npequeux/rinux-sub000/kernel"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address where this Frame starts.
func (f Frame) Address() PhysAddr {
	return PhysAddr(uint64(f) << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame(uint64(physAddr) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual address where this Page starts.
func (p Page) Address() VirtAddr {
	return VirtAddr(uint64(p) << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page(uint64(virtAddr) >> PageShift)
}

// ErrOutOfMemory is returned by allocators when no more physical frames (or
// backing slots) are available. Callers may retry after memory has been
// reclaimed.
var ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

// FrameSource is implemented by physical frame allocators. Frames obtained
// from AllocFrame are exclusively owned by the caller until returned via
// FreeFrame.
type FrameSource interface {
	// AllocFrame reserves an unused frame or fails with ErrOutOfMemory.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame to the allocator, making it available to
	// subsequent AllocFrame calls.
	FreeFrame(Frame) *kernel.Error

	// FreeFrames returns the number of frames currently available.
	FreeFrames() uint64
}
