// Package vmm implements the 4-level page-table mapper and the page-fault
// handler that drives demand paging.
package vmm

import "github.com/npequeux/rinux-sub000/kernel/mm"

// EntryFlag describes a flag that can be applied to a translation table
// entry.
type EntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent EntryFlag = 1 << iota

	// FlagWritable is set if the page can be written to.
	FlagWritable

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThrough implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThrough

	// FlagNoCache prevents this page from being cached if set.
	FlagNoCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks an intermediate-level entry as a huge page
	// leaf; the remaining address bits are an offset, not further table
	// indices.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing the cached translation
	// for this page when the page-table base register is reloaded.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page whose next write should
	// trigger duplication. This flag and FlagWritable are mutually
	// exclusive.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute indicates that a page contains non-executable data.
	FlagNoExecute = 1 << 63
)

// physAddrMask extracts the physical address encoded in a table entry; bits
// 12-51 contain the 4 KiB-aligned physical address.
const physAddrMask = 0x000f_ffff_ffff_f000

// Entry describes a translation table entry: an encoded physical frame
// address plus a set of EntryFlag bits.
type Entry uint64

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// IsPresent returns true if the entry maps a page that is resident in
// memory.
func (e Entry) IsPresent() bool { return e.HasFlags(FlagPresent) }

// IsWritable returns true if the mapped page can be written to.
func (e Entry) IsWritable() bool { return e.HasFlags(FlagWritable) }

// IsUserAccessible returns true if user-mode code can access the mapped
// page.
func (e Entry) IsUserAccessible() bool { return e.HasFlags(FlagUserAccessible) }

// IsHuge returns true if the entry is a huge page leaf.
func (e Entry) IsHuge() bool { return e.HasFlags(FlagHugePage) }

// IsCopyOnWrite returns true if the entry is flagged for copy-on-write
// duplication.
func (e Entry) IsCopyOnWrite() bool { return e.HasFlags(FlagCopyOnWrite) }

// SetFlags sets the input list of flags on the entry.
func (e *Entry) SetFlags(flags EntryFlag) {
	*e = Entry(uint64(*e) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the entry.
func (e *Entry) ClearFlags(flags EntryFlag) {
	*e = Entry(uint64(*e) &^ uint64(flags))
}

// Frame returns the physical page frame that this entry points to.
func (e Entry) Frame() mm.Frame {
	return mm.FrameFromAddress(mm.PhysAddr(uint64(e) & physAddrMask))
}

// SetFrame updates the entry to point to the given physical frame.
func (e *Entry) SetFrame(frame mm.Frame) {
	*e = Entry((uint64(*e) &^ physAddrMask) | (uint64(frame.Address()) & physAddrMask))
}
