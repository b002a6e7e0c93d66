// Package pmm implements the physical frame allocator. Frame reservations
// are tracked with a free bitmap per configured memory region so that
// deallocated frames become reusable by later allocations.
package pmm

import (
	"io"

	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/kfmt"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

var (
	// ErrFrameOutOfRange is returned when freeing or reserving a frame
	// that no configured memory region contains.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame is not part of any configured memory region"}

	// ErrFrameNotAllocated is returned when freeing a frame that is
	// already free.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not currently allocated"}

	// ErrFrameAlreadyReserved is returned when reserving a frame that a
	// previous allocation or reservation already owns.
	ErrFrameAlreadyReserved = &kernel.Error{Module: "pmm", Message: "frame is already reserved"}

	errNoUsableRegions = &kernel.Error{Module: "pmm", Message: "no usable physical memory regions configured"}
)

// Region describes a physical memory range handed to the allocator. Region
// bounds that are not page-aligned are rounded inwards to whole frames.
type Region struct {
	Start mm.PhysAddr
	Size  uint64
}

// framePool tracks used/free frames for one configured region.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// Each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the available frames in this pool. The allocator
	// uses this field to skip fully allocated pools without scanning
	// their bitmaps.
	freeCount uint64

	// freeBitmap tracks used/free frames in the pool; a set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

func (p *framePool) frameCount() uint64 {
	return uint64(p.endFrame-p.startFrame) + 1
}

// Allocator is a physical frame allocator that tracks frame reservations
// across the configured memory regions using bitmaps.
type Allocator struct {
	lock ksync.Spinlock

	pools []framePool

	// totalFrames tracks the total number of frames across all pools.
	totalFrames uint64

	// reservedFrames tracks the number of reserved frames across all
	// pools.
	reservedFrames uint64

	log io.Writer
}

// NewAllocator initializes an allocator for the supplied memory regions and
// logs the resulting memory map.
func NewAllocator(regions []Region) (*Allocator, *kernel.Error) {
	alloc := &Allocator{log: kfmt.PrefixedOutput("[pmm] ")}

	for _, region := range regions {
		start := region.Start.AlignUp(mm.PageSize)
		end := (region.Start + mm.PhysAddr(region.Size)).AlignDown(mm.PageSize)
		if end <= start {
			continue
		}

		startFrame := mm.FrameFromAddress(start)
		endFrame := mm.FrameFromAddress(end) - 1
		frameCount := uint64(endFrame-startFrame) + 1

		alloc.pools = append(alloc.pools, framePool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  frameCount,
			freeBitmap: make([]uint64, (frameCount+63)>>6),
		})
		alloc.totalFrames += frameCount
	}

	if len(alloc.pools) == 0 {
		return nil, errNoUsableRegions
	}

	alloc.printMemoryMap()
	return alloc, nil
}

// printMemoryMap logs the configured physical memory regions.
func (alloc *Allocator) printMemoryMap() {
	kfmt.Fprintf(alloc.log, "physical memory map:\n")
	for _, pool := range alloc.pools {
		kfmt.Fprintf(alloc.log, " 0x%010x - 0x%010x (%d frames, zone: %s)\n",
			uint64(pool.startFrame.Address()),
			uint64(pool.endFrame.Address())+mm.PageSize,
			pool.frameCount(),
			pool.startFrame.Address().Zone(),
		)
	}
	kfmt.Fprintf(alloc.log, "total usable frames: %d\n", alloc.totalFrames)
}

// AllocFrame reserves the first free frame and returns it. It fails with
// mm.ErrOutOfMemory once every frame in every pool is reserved.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		fullBlock := ^uint64(0)
		for blockIndex, block := range pool.freeBitmap {
			if block == fullBlock {
				continue
			}

			for bit := 0; bit < 64; bit++ {
				mask := uint64(1) << uint(bit)
				if block&mask != 0 {
					continue
				}

				frameIndex := uint64(blockIndex<<6) + uint64(bit)
				if frameIndex >= pool.frameCount() {
					break
				}

				pool.freeBitmap[blockIndex] |= mask
				pool.freeCount--
				alloc.reservedFrames++
				return pool.startFrame + mm.Frame(frameIndex), nil
			}
		}
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame returns a frame to the allocator, making it available to
// subsequent AllocFrame calls. Freeing a frame outside the configured
// regions or a frame that is already free is an error.
func (alloc *Allocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool, blockIndex, mask := alloc.locate(frame)
	if pool == nil {
		return ErrFrameOutOfRange
	}

	if pool.freeBitmap[blockIndex]&mask == 0 {
		return ErrFrameNotAllocated
	}

	pool.freeBitmap[blockIndex] &^= mask
	pool.freeCount++
	alloc.reservedFrames--
	return nil
}

// Reserve marks a frame as allocated without going through AllocFrame. It is
// used at init time to fence off frames owned by firmware or the kernel
// image.
func (alloc *Allocator) Reserve(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool, blockIndex, mask := alloc.locate(frame)
	if pool == nil {
		return ErrFrameOutOfRange
	}

	if pool.freeBitmap[blockIndex]&mask != 0 {
		return ErrFrameAlreadyReserved
	}

	pool.freeBitmap[blockIndex] |= mask
	pool.freeCount--
	alloc.reservedFrames++
	return nil
}

// FreeFrames returns the number of frames currently available for
// allocation.
func (alloc *Allocator) FreeFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalFrames - alloc.reservedFrames
}

// TotalFrames returns the total number of frames tracked by the allocator.
func (alloc *Allocator) TotalFrames() uint64 {
	return alloc.totalFrames
}

// locate resolves a frame to its owning pool and bitmap position. The caller
// must hold the allocator lock.
func (alloc *Allocator) locate(frame mm.Frame) (*framePool, int, uint64) {
	if !frame.Valid() {
		return nil, 0, 0
	}

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		pool := &alloc.pools[poolIndex]
		if frame < pool.startFrame || frame > pool.endFrame {
			continue
		}

		frameIndex := uint64(frame - pool.startFrame)
		return pool, int(frameIndex >> 6), uint64(1) << (frameIndex & 63)
	}
	return nil, 0, 0
}
