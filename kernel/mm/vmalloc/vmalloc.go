// Package vmalloc allocates virtually contiguous kernel memory that may be
// physically scattered. Allocations carve ranges out of a dedicated kernel
// window using a fixed-capacity region table and back every page with a
// fresh zeroed frame.
package vmalloc

import (
	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	"github.com/npequeux/rinux-sub000/kernel/mm/vmm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

const (
	// DefaultStart and DefaultEnd delimit the standard kernel window
	// reserved for virtually contiguous allocations.
	DefaultStart = mm.VirtAddr(0xFFFF_FFC0_0000_0000)
	DefaultEnd   = mm.VirtAddr(0xFFFF_FFE0_0000_0000)

	maxRegions = 256
)

var (
	// ErrRegionTableFull is returned when serving an allocation would
	// require splitting a free region but the region table has no slot
	// left for the remainder.
	ErrRegionTableFull = &kernel.Error{Module: "vmalloc", Message: "region table is full"}

	// ErrInvalidSize is returned for zero-sized allocations.
	ErrInvalidSize = &kernel.Error{Module: "vmalloc", Message: "allocation size must be non-zero"}

	// ErrNotAllocated is returned when freeing an address that is not the
	// start of a live allocation.
	ErrNotAllocated = &kernel.Error{Module: "vmalloc", Message: "address is not the start of an allocation"}
)

type region struct {
	start mm.VirtAddr
	size  uint64
	used  bool
}

// Pool hands out virtually contiguous ranges from the window [start, end).
// The region table is kept sorted by address so free neighbors can be
// merged back together.
type Pool struct {
	lock   ksync.Spinlock
	space  *vmm.AddressSpace
	frames mm.FrameSource
	win    mm.PhysWindow

	start mm.VirtAddr
	end   mm.VirtAddr

	regions     [maxRegions]region
	regionCount int
}

// NewPool returns a pool managing the window [start, end) whose pages are
// mapped into space and backed by frames.
func NewPool(space *vmm.AddressSpace, frames mm.FrameSource, win mm.PhysWindow, start, end mm.VirtAddr) *Pool {
	p := &Pool{
		space:  space,
		frames: frames,
		win:    win,
		start:  start,
		end:    end,
	}
	p.regions[0] = region{start: start, size: uint64(end - start)}
	p.regionCount = 1
	return p
}

// Contains returns true if addr falls inside the pool's window.
func (p *Pool) Contains(addr mm.VirtAddr) bool {
	return addr >= p.start && addr < p.end
}

// Alloc reserves a virtually contiguous range of at least size bytes and
// backs every page of it with a zeroed frame. The size is rounded up to a
// page multiple.
func (p *Pool) Alloc(size uint64) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	size = uint64(mm.VirtAddr(size).AlignUp(mm.PageSize))

	p.lock.Acquire()
	defer p.lock.Release()

	for i := 0; i < p.regionCount; i++ {
		if p.regions[i].used || p.regions[i].size < size {
			continue
		}

		if p.regions[i].size > size {
			if p.regionCount == maxRegions {
				return 0, ErrRegionTableFull
			}
			p.splitRegion(i, size)
		}
		p.regions[i].used = true

		if err := p.mapRegion(p.regions[i].start, size); err != nil {
			p.regions[i].used = false
			p.mergeFreeRegions()
			return 0, err
		}

		return p.regions[i].start, nil
	}

	return 0, mm.ErrOutOfMemory
}

// Free releases the allocation starting at addr, unmapping its pages and
// returning their frames to the frame source.
func (p *Pool) Free(addr mm.VirtAddr) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	for i := 0; i < p.regionCount; i++ {
		if p.regions[i].start != addr || !p.regions[i].used {
			continue
		}

		p.unmapRegion(addr, p.regions[i].size)
		p.regions[i].used = false
		p.mergeFreeRegions()
		return nil
	}

	return ErrNotAllocated
}

// splitRegion carves the first size bytes out of region i, inserting the
// remainder as a new free region right after it. The caller must hold the
// pool lock and guarantee a free table slot.
func (p *Pool) splitRegion(i int, size uint64) {
	remainder := region{
		start: p.regions[i].start + mm.VirtAddr(size),
		size:  p.regions[i].size - size,
	}

	copy(p.regions[i+2:p.regionCount+1], p.regions[i+1:p.regionCount])
	p.regions[i+1] = remainder
	p.regionCount++
	p.regions[i].size = size
}

// mapRegion backs every page of [start, start+size) with a fresh zeroed
// frame mapped kernel-writable and non-executable. On failure every page
// mapped so far is rolled back.
func (p *Pool) mapRegion(start mm.VirtAddr, size uint64) *kernel.Error {
	for off := uint64(0); off < size; off += mm.PageSize {
		virt := start + mm.VirtAddr(off)

		frame, err := p.frames.AllocFrame()
		if err != nil {
			p.unmapRegion(start, off)
			return err
		}
		p.win.ZeroFrame(frame)

		if err := p.space.Map(virt, frame.Address(), vmm.FlagWritable|vmm.FlagNoExecute); err != nil {
			p.frames.FreeFrame(frame)
			p.unmapRegion(start, off)
			return err
		}
	}

	return nil
}

// unmapRegion tears down the mappings of [start, start+size) and returns
// their frames to the frame source.
func (p *Pool) unmapRegion(start mm.VirtAddr, size uint64) {
	for off := uint64(0); off < size; off += mm.PageSize {
		frame, err := p.space.Unmap(start + mm.VirtAddr(off))
		if err != nil {
			continue
		}
		p.frames.FreeFrame(frame)
	}
}

// mergeFreeRegions coalesces adjacent free regions. The caller must hold
// the pool lock.
func (p *Pool) mergeFreeRegions() {
	for i := 0; i < p.regionCount-1; {
		cur, next := &p.regions[i], &p.regions[i+1]
		if !cur.used && !next.used && cur.start+mm.VirtAddr(cur.size) == next.start {
			cur.size += next.size
			copy(p.regions[i+1:p.regionCount-1], p.regions[i+2:p.regionCount])
			p.regionCount--
			continue
		}
		i++
	}
}
