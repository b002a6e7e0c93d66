// Package mmap implements anonymous user-space memory mappings with the
// Linux mmap/munmap surface semantics.
package mmap

import (
	"sort"

	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	"github.com/npequeux/rinux-sub000/kernel/mm/vmm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

// Protection flags with their Linux ABI values.
const (
	ProtNone  int32 = 0x0
	ProtRead  int32 = 0x1
	ProtWrite int32 = 0x2
	ProtExec  int32 = 0x4
)

// Mapping flags with their Linux ABI values.
const (
	MapShared    int32 = 0x01
	MapPrivate   int32 = 0x02
	MapFixed     int32 = 0x10
	MapAnonymous int32 = 0x20
)

// DefaultUserStart and DefaultUserEnd delimit the standard window for
// user-space mappings.
const (
	DefaultUserStart = mm.VirtAddr(0x0000_1000_0000_0000)
	DefaultUserEnd   = mm.VirtAddr(0x0000_7FFF_FFFF_F000)
)

var (
	// ErrInvalidArgument mirrors EINVAL: a bad address, size or flag
	// combination.
	ErrInvalidArgument = &kernel.Error{Module: "mmap", Message: "invalid mapping argument"}

	// ErrNoMemory mirrors ENOMEM: no address space or physical memory
	// left to satisfy the request.
	ErrNoMemory = &kernel.Error{Module: "mmap", Message: "out of memory or address space"}

	// ErrNotImplemented is reported for valid requests whose handling is
	// not wired up yet.
	ErrNotImplemented = &kernel.Error{Module: "mmap", Message: "operation not implemented"}
)

type mappedRegion struct {
	start mm.VirtAddr
	size  uint64
	prot  int32
	flags int32
}

func (r mappedRegion) overlaps(start mm.VirtAddr, size uint64) bool {
	return start < r.start+mm.VirtAddr(r.size) && start+mm.VirtAddr(size) > r.start
}

// Mapper manages anonymous user mappings inside the window [start, end).
// Every mapped page is backed by a fresh zeroed frame with user-accessible
// permissions derived from the mapping protection.
type Mapper struct {
	lock   ksync.Spinlock
	space  *vmm.AddressSpace
	frames mm.FrameSource
	win    mm.PhysWindow

	start mm.VirtAddr
	end   mm.VirtAddr
	next  mm.VirtAddr

	regions []mappedRegion
}

// NewMapper returns a mapper placing user mappings inside [start, end).
func NewMapper(space *vmm.AddressSpace, frames mm.FrameSource, win mm.PhysWindow, start, end mm.VirtAddr) *Mapper {
	return &Mapper{
		space:  space,
		frames: frames,
		win:    win,
		start:  start,
		end:    end,
		next:   start,
	}
}

// Mmap establishes an anonymous mapping of at least size bytes and returns
// its address. A zero addr leaves placement to the mapper; a non-zero addr
// is a hint unless MapFixed forces it exactly.
func (m *Mapper) Mmap(addr mm.VirtAddr, size uint64, prot, flags int32) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidArgument
	}
	size = uint64(mm.VirtAddr(size).AlignUp(mm.PageSize))

	m.lock.Acquire()
	defer m.lock.Release()

	mapAddr, err := m.placeMapping(addr, size, flags)
	if err != nil {
		return 0, err
	}

	if err := m.mapPages(mapAddr, size, prot); err != nil {
		return 0, err
	}

	m.regions = append(m.regions, mappedRegion{start: mapAddr, size: size, prot: prot, flags: flags})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].start < m.regions[j].start })

	if next := mapAddr + mm.VirtAddr(size); next > m.next {
		m.next = next
	}

	return mapAddr, nil
}

// Munmap removes the mapping that was established exactly at addr with the
// given size, returning its frames. Partial unmaps are not supported and
// report EINVAL.
func (m *Mapper) Munmap(addr mm.VirtAddr, size uint64) *kernel.Error {
	if size == 0 || !addr.IsAligned(mm.PageSize) {
		return ErrInvalidArgument
	}
	size = uint64(mm.VirtAddr(size).AlignUp(mm.PageSize))

	m.lock.Acquire()
	defer m.lock.Release()

	for i, r := range m.regions {
		if r.start != addr || r.size != size {
			continue
		}

		m.unmapPages(addr, size)
		m.regions = append(m.regions[:i], m.regions[i+1:]...)
		return nil
	}

	return ErrInvalidArgument
}

// Mprotect validates a protection change request for an established
// mapping. Rewriting the page permissions in place is not wired up yet, so
// valid requests report ErrNotImplemented instead of silently succeeding.
func (m *Mapper) Mprotect(addr mm.VirtAddr, size uint64, prot int32) *kernel.Error {
	if size == 0 || !addr.IsAligned(mm.PageSize) {
		return ErrInvalidArgument
	}
	size = uint64(mm.VirtAddr(size).AlignUp(mm.PageSize))

	m.lock.Acquire()
	defer m.lock.Release()

	for _, r := range m.regions {
		if addr >= r.start && addr+mm.VirtAddr(size) <= r.start+mm.VirtAddr(r.size) {
			return ErrNotImplemented
		}
	}

	return ErrInvalidArgument
}

// RegionCount returns the number of live mappings.
func (m *Mapper) RegionCount() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.regions)
}

// placeMapping resolves where a new mapping of the given size goes,
// honoring MapFixed and treating other non-zero addresses as hints. The
// caller must hold the mapper lock.
func (m *Mapper) placeMapping(addr mm.VirtAddr, size uint64, flags int32) (mm.VirtAddr, *kernel.Error) {
	if flags&MapFixed != 0 {
		if !addr.IsAligned(mm.PageSize) || !m.inWindow(addr, size) {
			return 0, ErrInvalidArgument
		}
		if m.overlapsRegion(addr, size) {
			return 0, ErrInvalidArgument
		}
		return addr, nil
	}

	if addr != 0 && addr.IsAligned(mm.PageSize) && m.inWindow(addr, size) && !m.overlapsRegion(addr, size) {
		return addr, nil
	}

	return m.findFreeRange(size)
}

// findFreeRange locates an unused range of the given size, scanning upward
// from the allocation cursor and wrapping to the window base once. The
// caller must hold the mapper lock.
func (m *Mapper) findFreeRange(size uint64) (mm.VirtAddr, *kernel.Error) {
	for _, base := range []mm.VirtAddr{m.next, m.start} {
		addr := base
		for m.inWindow(addr, size) {
			conflict, ok := m.conflictingRegion(addr, size)
			if !ok {
				return addr, nil
			}
			addr = (conflict.start + mm.VirtAddr(conflict.size)).AlignUp(mm.PageSize)
		}
	}

	return 0, ErrNoMemory
}

func (m *Mapper) inWindow(addr mm.VirtAddr, size uint64) bool {
	return addr >= m.start && addr+mm.VirtAddr(size) <= m.end
}

func (m *Mapper) overlapsRegion(addr mm.VirtAddr, size uint64) bool {
	_, ok := m.conflictingRegion(addr, size)
	return ok
}

func (m *Mapper) conflictingRegion(addr mm.VirtAddr, size uint64) (mappedRegion, bool) {
	for _, r := range m.regions {
		if r.overlaps(addr, size) {
			return r, true
		}
	}
	return mappedRegion{}, false
}

// mapPages backs [addr, addr+size) with zeroed user-accessible frames. On
// failure every page mapped so far is rolled back. The caller must hold
// the mapper lock.
func (m *Mapper) mapPages(addr mm.VirtAddr, size uint64, prot int32) *kernel.Error {
	entryFlags := vmm.FlagUserAccessible
	if prot&ProtWrite != 0 {
		entryFlags |= vmm.FlagWritable
	}
	if prot&ProtExec == 0 {
		entryFlags |= vmm.FlagNoExecute
	}

	for off := uint64(0); off < size; off += mm.PageSize {
		virt := addr + mm.VirtAddr(off)

		frame, err := m.frames.AllocFrame()
		if err != nil {
			m.unmapPages(addr, off)
			return ErrNoMemory
		}
		m.win.ZeroFrame(frame)

		if err := m.space.Map(virt, frame.Address(), entryFlags); err != nil {
			m.frames.FreeFrame(frame)
			m.unmapPages(addr, off)
			return ErrNoMemory
		}
	}

	return nil
}

// unmapPages tears down [addr, addr+size) and returns the backing frames.
// The caller must hold the mapper lock.
func (m *Mapper) unmapPages(addr mm.VirtAddr, size uint64) {
	for off := uint64(0); off < size; off += mm.PageSize {
		frame, err := m.space.Unmap(addr + mm.VirtAddr(off))
		if err != nil {
			continue
		}
		m.frames.FreeFrame(frame)
	}
}
