package vmm

import (
	"sort"

	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

var (
	// ErrVMAOverlap is returned when inserting a VMA that intersects an
	// already registered one.
	ErrVMAOverlap = &kernel.Error{Module: "vmm", Message: "virtual memory area overlaps an existing area"}

	// ErrInvalidVMARange is returned when inserting a VMA whose end does
	// not lie beyond its start.
	ErrInvalidVMARange = &kernel.Error{Module: "vmm", Message: "virtual memory area range is empty or inverted"}
)

// Prot describes the access capabilities of a virtual memory area.
type Prot uint8

const (
	// ProtRead allows load accesses.
	ProtRead Prot = 1 << iota

	// ProtWrite allows store accesses.
	ProtWrite

	// ProtExec allows instruction fetches.
	ProtExec

	// ProtShared marks the area as shared between address spaces.
	ProtShared
)

// CanRead returns true if load accesses are legal for the area.
func (p Prot) CanRead() bool { return p&ProtRead != 0 }

// CanWrite returns true if store accesses are legal for the area.
func (p Prot) CanWrite() bool { return p&ProtWrite != 0 }

// CanExec returns true if instruction fetches are legal for the area.
func (p Prot) CanExec() bool { return p&ProtExec != 0 }

// IsShared returns true if the area is shared between address spaces.
func (p Prot) IsShared() bool { return p&ProtShared != 0 }

// VMA describes what access is legal for the virtual range [Start, End),
// independent of whether it is currently backed by a frame.
type VMA struct {
	Start mm.VirtAddr
	End   mm.VirtAddr
	Prot  Prot
}

// Contains returns true if addr falls inside the area.
func (v VMA) Contains(addr mm.VirtAddr) bool {
	return addr >= v.Start && addr < v.End
}

// VMASet is the ordered collection of areas registered for one address
// space.
type VMASet struct {
	lock ksync.Spinlock
	vmas []VMA
}

// Insert registers a new area. Areas must not overlap; the memory-layout
// policy that defines them is responsible for carving disjoint ranges.
func (s *VMASet) Insert(v VMA) *kernel.Error {
	if v.End <= v.Start {
		return ErrInvalidVMARange
	}

	s.lock.Acquire()
	defer s.lock.Release()

	for _, existing := range s.vmas {
		if v.Start < existing.End && v.End > existing.Start {
			return ErrVMAOverlap
		}
	}

	s.vmas = append(s.vmas, v)
	sort.Slice(s.vmas, func(i, j int) bool { return s.vmas[i].Start < s.vmas[j].Start })
	return nil
}

// FindCovering returns the area containing addr.
func (s *VMASet) FindCovering(addr mm.VirtAddr) (VMA, bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	idx := sort.Search(len(s.vmas), func(i int) bool { return s.vmas[i].End > addr })
	if idx < len(s.vmas) && s.vmas[idx].Contains(addr) {
		return s.vmas[idx], true
	}
	return VMA{}, false
}
