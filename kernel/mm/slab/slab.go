// Package slab provides a SLUB-style allocator for small kernel objects.
// Allocations are served from per-size-class slabs, each slab being a single
// physical frame sliced into equally sized objects chained on an intrusive
// free list. Requests larger than the biggest size class fall through to a
// bump allocator over a dedicated physical range.
package slab

import (
	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

var (
	// ErrInvalidAllocation is returned for zero-sized or misshapen
	// allocation requests.
	ErrInvalidAllocation = &kernel.Error{Module: "slab", Message: "allocation size must be non-zero and alignment a power of two"}

	// ErrNotAllocated is returned when deallocating an address that no
	// slab owns and that does not fall in the bump range.
	ErrNotAllocated = &kernel.Error{Module: "slab", Message: "address does not belong to any slab"}
)

// sizeClasses lists the object sizes served by slabs. Larger requests use
// the bump fallback.
var sizeClasses = [...]uint64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

const slabSize = mm.PageSize

// freeListEnd terminates an intrusive free list. Physical page zero is
// never handed to the slab allocator so the zero address is free to act as
// the null link.
const freeListEnd = mm.PhysAddr(0)

// slab is one frame sliced into objects of a single size. Free objects
// store the address of the next free object in their first word, read and
// written through the physical window.
type slab struct {
	start       mm.PhysAddr
	objectSize  uint64
	objectCount uint64
	freeCount   uint64
	freeHead    mm.PhysAddr
}

func (s *slab) contains(addr mm.PhysAddr) bool {
	return addr >= s.start && addr < s.start+mm.PhysAddr(slabSize)
}

// sizeClass tracks every slab serving one object size. New slabs are
// appended as existing ones fill up.
type sizeClass struct {
	objectSize uint64
	slabs      []*slab
}

// Stats is a snapshot of allocator activity.
type Stats struct {
	SlabAllocs uint64
	SlabFrees  uint64
	SlabCount  uint64
	BumpAllocs uint64
	BumpUsed   uint64
	BumpFree   uint64
}

// Allocator serves fixed-size kernel objects out of slabs backed by frames
// from a FrameSource.
type Allocator struct {
	lock    ksync.Spinlock
	win     mm.PhysWindow
	frames  mm.FrameSource
	classes [len(sizeClasses)]sizeClass

	bumpStart mm.PhysAddr
	bumpEnd   mm.PhysAddr
	bumpNext  mm.PhysAddr

	slabAllocs uint64
	slabFrees  uint64
	bumpAllocs uint64
}

// NewAllocator returns a slab allocator that grows slabs with frames from
// frames and serves oversized requests by bumping through the physical
// range [bumpStart, bumpStart+bumpSize).
func NewAllocator(win mm.PhysWindow, frames mm.FrameSource, bumpStart mm.PhysAddr, bumpSize uint64) *Allocator {
	a := &Allocator{
		win:       win,
		frames:    frames,
		bumpStart: bumpStart,
		bumpEnd:   bumpStart + mm.PhysAddr(bumpSize),
		bumpNext:  bumpStart,
	}
	for i, size := range sizeClasses {
		a.classes[i].objectSize = size
	}
	return a
}

// classFor returns the index of the smallest size class that can satisfy
// an allocation of the given size and alignment, or -1 when the request
// exceeds the largest class.
func classFor(size, align uint64) int {
	if align > size {
		size = align
	}
	for i, classSize := range sizeClasses {
		if classSize >= size {
			return i
		}
	}
	return -1
}

// Allocate returns the address of a zone of memory at least size bytes long
// aligned to align. Requests up to the largest size class are served from
// slabs; anything bigger falls through to the bump range and can never be
// individually freed.
func (a *Allocator) Allocate(size, align uint64) (mm.PhysAddr, *kernel.Error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAllocation
	}

	a.lock.Acquire()
	defer a.lock.Release()

	classIndex := classFor(size, align)
	if classIndex == -1 {
		return a.bumpAlloc(size, align)
	}

	class := &a.classes[classIndex]
	for _, s := range class.slabs {
		if s.freeCount > 0 {
			return a.popObject(s), nil
		}
	}

	s, err := a.growClass(class)
	if err != nil {
		return 0, err
	}
	return a.popObject(s), nil
}

// Deallocate returns the object at addr to its owning slab. The owner is
// located by address range so stale size hints cannot corrupt a different
// class. Addresses inside the bump range are ignored; the bump allocator
// cannot reclaim.
func (a *Allocator) Deallocate(addr mm.PhysAddr, size, align uint64) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if s := a.owningSlab(addr, size, align); s != nil {
		a.win.WriteWord(addr, uint64(s.freeHead))
		s.freeHead = addr
		s.freeCount++
		a.slabFrees++
		return nil
	}

	if addr >= a.bumpStart && addr < a.bumpEnd {
		return nil
	}

	return ErrNotAllocated
}

// FreeObjects returns the number of free objects across all slabs of the
// class serving the supplied object size.
func (a *Allocator) FreeObjects(size uint64) uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	classIndex := classFor(size, 1)
	if classIndex == -1 {
		return 0
	}

	var free uint64
	for _, s := range a.classes[classIndex].slabs {
		free += s.freeCount
	}
	return free
}

// Stats returns a snapshot of allocator activity.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	var slabCount uint64
	for classIndex := range a.classes {
		slabCount += uint64(len(a.classes[classIndex].slabs))
	}

	return Stats{
		SlabAllocs: a.slabAllocs,
		SlabFrees:  a.slabFrees,
		SlabCount:  slabCount,
		BumpAllocs: a.bumpAllocs,
		BumpUsed:   uint64(a.bumpNext - a.bumpStart),
		BumpFree:   uint64(a.bumpEnd - a.bumpNext),
	}
}

// growClass allocates a fresh frame, slices it into objects for the class
// and chains them on the new slab's free list. The caller must hold the
// allocator lock.
func (a *Allocator) growClass(class *sizeClass) (*slab, *kernel.Error) {
	frame, err := a.frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	s := &slab{
		start:       frame.Address(),
		objectSize:  class.objectSize,
		objectCount: slabSize / class.objectSize,
		freeHead:    freeListEnd,
	}
	s.freeCount = s.objectCount

	for i := s.objectCount; i > 0; i-- {
		obj := s.start + mm.PhysAddr((i-1)*s.objectSize)
		a.win.WriteWord(obj, uint64(s.freeHead))
		s.freeHead = obj
	}

	class.slabs = append(class.slabs, s)
	return s, nil
}

// popObject unlinks the head of the slab's free list. The caller must hold
// the allocator lock and guarantee freeCount > 0.
func (a *Allocator) popObject(s *slab) mm.PhysAddr {
	obj := s.freeHead
	s.freeHead = mm.PhysAddr(a.win.ReadWord(obj))
	s.freeCount--
	a.slabAllocs++
	return obj
}

// owningSlab locates the slab containing addr, checking the size-hinted
// class first before scanning the rest. The caller must hold the allocator
// lock.
func (a *Allocator) owningSlab(addr mm.PhysAddr, size, align uint64) *slab {
	if hinted := classFor(size, align); hinted != -1 {
		for _, s := range a.classes[hinted].slabs {
			if s.contains(addr) {
				return s
			}
		}
	}

	for classIndex := range a.classes {
		for _, s := range a.classes[classIndex].slabs {
			if s.contains(addr) {
				return s
			}
		}
	}
	return nil
}

// bumpAlloc linearly carves size bytes out of the bump range. The caller
// must hold the allocator lock.
func (a *Allocator) bumpAlloc(size, align uint64) (mm.PhysAddr, *kernel.Error) {
	start := a.bumpNext.AlignUp(align)
	end := start + mm.PhysAddr(size)
	if end > a.bumpEnd || end < start {
		return 0, mm.ErrOutOfMemory
	}

	a.bumpNext = end
	a.bumpAllocs++
	return start, nil
}
