package vmm

import (
	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/cpu"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

const (
	// pageLevels indicates the number of translation levels.
	pageLevels = 4

	// levelFor1GiB is the level where 1 GiB huge page leaves are
	// installed (the level below the root).
	levelFor1GiB = 1

	// levelFor2MiB is the level where 2 MiB huge page leaves are
	// installed.
	levelFor2MiB = 2
)

var (
	// ErrAlreadyMapped is returned when mapping a virtual address whose
	// leaf entry is already present. Existing mappings are never
	// silently overwritten as that would leak the previously mapped
	// frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrNotMapped is returned when unmapping or translating a virtual
	// address that no present mapping covers.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrUnaligned is returned when a huge page mapping request supplies
	// addresses that are not aligned to the huge page size.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "address is not aligned to the requested page size"}
)

// AddressSpace owns one 4-level translation hierarchy. All mutations are
// serialized by the address space lock and every successful mutation
// triggers a synchronous TLB shootdown before returning.
type AddressSpace struct {
	lock ksync.Spinlock

	root   mm.Frame
	win    mm.PhysWindow
	frames mm.FrameSource
	tlb    *cpu.Shootdown
}

// NewAddressSpace allocates and zero-fills a root translation table and
// returns an address space operating on it.
func NewAddressSpace(win mm.PhysWindow, frames mm.FrameSource, tlb *cpu.Shootdown) (*AddressSpace, *kernel.Error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	win.ZeroFrame(root)

	return &AddressSpace{
		root:   root,
		win:    win,
		frames: frames,
		tlb:    tlb,
	}, nil
}

// RootFrame returns the frame holding the root translation table. The
// scheduler loads its address into the page-table-base register on context
// switch.
func (s *AddressSpace) RootFrame() mm.Frame {
	return s.root
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated, zero-filled and
// installed with permissive flags so deeper mappings stay reachable. Mapping
// over a present leaf fails with ErrAlreadyMapped and leaves the existing
// mapping untouched.
func (s *AddressSpace) Map(virt mm.VirtAddr, phys mm.PhysAddr, flags EntryFlag) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	entryAddr, err := s.walk(virt, pageLevels-1, true, flags&FlagUserAccessible)
	if err != nil {
		return err
	}

	if Entry(s.win.ReadWord(entryAddr)).IsPresent() {
		return ErrAlreadyMapped
	}

	var entry Entry
	entry.SetFrame(mm.FrameFromAddress(phys))
	entry.SetFlags(flags | FlagPresent)
	s.win.WriteWord(entryAddr, uint64(entry))

	s.tlb.Page(uintptr(virt.AlignDown(mm.PageSize)))
	return nil
}

// MapHuge installs a huge page leaf at the translation level matching size.
// Both addresses must be aligned to the huge page size; misalignment is
// rejected before any table is allocated.
func (s *AddressSpace) MapHuge(virt mm.VirtAddr, phys mm.PhysAddr, size mm.HugePageSize, flags EntryFlag) *kernel.Error {
	if !virt.IsAligned(size.Bytes()) || !phys.IsAligned(size.Bytes()) {
		return ErrUnaligned
	}

	level := levelFor2MiB
	if size == mm.Size1GiB {
		level = levelFor1GiB
	}

	s.lock.Acquire()
	defer s.lock.Release()

	entryAddr, err := s.walk(virt, level, true, flags&FlagUserAccessible)
	if err != nil {
		return err
	}

	if Entry(s.win.ReadWord(entryAddr)).IsPresent() {
		return ErrAlreadyMapped
	}

	var entry Entry
	entry.SetFrame(mm.FrameFromAddress(phys))
	entry.SetFlags(flags | FlagPresent | FlagHugePage)
	s.win.WriteWord(entryAddr, uint64(entry))

	s.tlb.Page(uintptr(virt))
	return nil
}

// Unmap removes the 4 KiB mapping for virt and returns the frame it pointed
// to. Ownership of the frame transfers to the caller, which is responsible
// for returning it to the frame allocator.
func (s *AddressSpace) Unmap(virt mm.VirtAddr) (mm.Frame, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	entryAddr, err := s.walk(virt, pageLevels-1, false, 0)
	if err != nil {
		return mm.InvalidFrame, err
	}

	entry := Entry(s.win.ReadWord(entryAddr))
	if !entry.IsPresent() {
		return mm.InvalidFrame, ErrNotMapped
	}

	frame := entry.Frame()
	s.win.WriteWord(entryAddr, 0)

	s.tlb.Page(uintptr(virt.AlignDown(mm.PageSize)))
	return frame, nil
}

// Translate returns the physical address that corresponds to virt. The walk
// is read-only and short-circuits at huge page leaves by adding the
// intra-page offset to the leaf frame address.
func (s *AddressSpace) Translate(virt mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.translate(virt)
}

func (s *AddressSpace) translate(virt mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	tableFrame := s.root
	for level := 0; level < pageLevels; level++ {
		entryAddr := tableFrame.Address() + mm.PhysAddr(virt.TableIndex(level)*mm.EntrySize)
		entry := Entry(s.win.ReadWord(entryAddr))

		if !entry.IsPresent() {
			return 0, ErrNotMapped
		}

		if entry.IsHuge() {
			var pageMask uint64
			switch level {
			case levelFor1GiB:
				pageMask = mm.Size1GiB.Bytes() - 1
			case levelFor2MiB:
				pageMask = mm.Size2MiB.Bytes() - 1
			default:
				// A huge leaf below 2 MiB level means the
				// tables are corrupted.
				return 0, ErrNotMapped
			}
			return entry.Frame().Address() + mm.PhysAddr(uint64(virt)&pageMask), nil
		}

		if level == pageLevels-1 {
			return entry.Frame().Address() + mm.PhysAddr(virt.PageOffset()), nil
		}

		tableFrame = entry.Frame()
	}

	return 0, ErrNotMapped
}

// LeafEntry returns a snapshot of the leaf entry covering virt so callers
// can inspect its flags.
func (s *AddressSpace) LeafEntry(virt mm.VirtAddr) (Entry, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	entry, _, err := s.leafEntry(virt)
	return entry, err
}

// leafEntry returns the leaf entry covering virt together with its location
// so the fault handler can update mappings in place. The caller must hold
// the address space lock or otherwise exclude concurrent mutation.
func (s *AddressSpace) leafEntry(virt mm.VirtAddr) (Entry, mm.PhysAddr, *kernel.Error) {
	entryAddr, err := s.walk(virt, pageLevels-1, false, 0)
	if err != nil {
		return 0, 0, err
	}
	return Entry(s.win.ReadWord(entryAddr)), entryAddr, nil
}

// walk descends the translation hierarchy for virt down to lastLevel and
// returns the physical address of the entry at that level. With create set,
// missing intermediate tables are allocated, zero-filled and installed as
// writable with the supplied user accessibility; without it the walk fails
// with ErrNotMapped at the first absent level. Encountering a huge leaf
// above lastLevel fails with ErrAlreadyMapped on a creating walk (the range
// is taken by the huge mapping) and ErrNotMapped otherwise.
func (s *AddressSpace) walk(virt mm.VirtAddr, lastLevel int, create bool, userFlag EntryFlag) (mm.PhysAddr, *kernel.Error) {
	tableFrame := s.root
	for level := 0; level < lastLevel; level++ {
		entryAddr := tableFrame.Address() + mm.PhysAddr(virt.TableIndex(level)*mm.EntrySize)
		entry := Entry(s.win.ReadWord(entryAddr))

		if entry.IsPresent() && entry.IsHuge() {
			if create {
				return 0, ErrAlreadyMapped
			}
			return 0, ErrNotMapped
		}

		if !entry.IsPresent() {
			if !create {
				return 0, ErrNotMapped
			}

			newTable, err := s.frames.AllocFrame()
			if err != nil {
				return 0, err
			}
			s.win.ZeroFrame(newTable)

			entry = 0
			entry.SetFrame(newTable)
			entry.SetFlags(FlagPresent | FlagWritable | userFlag)
			s.win.WriteWord(entryAddr, uint64(entry))
		}

		tableFrame = entry.Frame()
	}

	return tableFrame.Address() + mm.PhysAddr(virt.TableIndex(lastLevel)*mm.EntrySize), nil
}
