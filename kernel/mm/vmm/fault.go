package vmm

import (
	"io"

	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/kfmt"
	"github.com/npequeux/rinux-sub000/kernel/mm"
)

var (
	// ErrReservedBitViolation indicates corrupted translation table
	// metadata. The fault handler panics with this error; it is exported
	// so recover-based supervisors can match it.
	ErrReservedBitViolation = &kernel.Error{Module: "vmm", Message: "page fault with reserved bit set; page tables are corrupted"}

	// ErrInvalidAddress is returned for faults at addresses that no
	// registered virtual memory area covers.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "fault address is not covered by any virtual memory area"}

	// ErrWriteToReadOnly is returned for write accesses that the covering
	// area or mapping does not permit.
	ErrWriteToReadOnly = &kernel.Error{Module: "vmm", Message: "write to read-only page"}

	// ErrInstructionFetch is returned for instruction fetches from
	// non-executable pages.
	ErrInstructionFetch = &kernel.Error{Module: "vmm", Message: "instruction fetch from non-executable page"}

	// ErrProtectionViolation is returned for accesses that fail the
	// remaining permission checks.
	ErrProtectionViolation = &kernel.Error{Module: "vmm", Message: "page protection violation"}
)

// Status carries the fault status bits pushed by the processor when a page
// fault is raised.
type Status uint64

const (
	// StatusPresent is set when the faulting page was present and the
	// fault is a protection violation.
	StatusPresent Status = 1 << iota

	// StatusWrite is set for store accesses.
	StatusWrite

	// StatusUser is set for faults raised in user mode.
	StatusUser

	// StatusReservedBit is set when a reserved bit was found set in a
	// translation table entry.
	StatusReservedBit

	// StatusInstructionFetch is set for instruction fetch accesses.
	StatusInstructionFetch
)

// IsPresent returns true if the faulting page was present.
func (s Status) IsPresent() bool { return s&StatusPresent != 0 }

// IsWrite returns true if the fault was raised by a store access.
func (s Status) IsWrite() bool { return s&StatusWrite != 0 }

// IsUser returns true if the fault was raised in user mode.
func (s Status) IsUser() bool { return s&StatusUser != 0 }

// IsReservedBit returns true if a reserved translation table bit was set.
func (s Status) IsReservedBit() bool { return s&StatusReservedBit != 0 }

// IsInstructionFetch returns true if the fault was raised by an instruction
// fetch.
func (s Status) IsInstructionFetch() bool { return s&StatusInstructionFetch != 0 }

// Handler resolves page faults for one address space: it classifies the
// fault from its status bits, consults the registered virtual memory areas
// and either demand-allocates a zeroed frame or rejects the access.
type Handler struct {
	space  *AddressSpace
	vmas   *VMASet
	frames mm.FrameSource
	win    mm.PhysWindow
	log    io.Writer
}

// NewHandler returns a fault handler operating on the supplied address
// space.
func NewHandler(space *AddressSpace, vmas *VMASet, frames mm.FrameSource, win mm.PhysWindow) *Handler {
	return &Handler{
		space:  space,
		vmas:   vmas,
		frames: frames,
		win:    win,
		log:    kfmt.PrefixedOutput("[vmm] "),
	}
}

// HandleFault resolves the fault at addr. A nil return means the mapping
// was repaired and the faulting instruction can be retried. Protection
// errors propagate to the caller, which delivers them to the offending
// process. A reserved-bit fault panics: the translation tables are
// corrupted and the kernel cannot continue.
func (h *Handler) HandleFault(addr mm.VirtAddr, status Status) *kernel.Error {
	if status.IsReservedBit() {
		kfmt.Fprintf(h.log, "page fault at 0x%016x: reserved bit set in page tables\n", uint64(addr))
		panic(ErrReservedBitViolation)
	}

	if !status.IsPresent() {
		return h.demandPage(addr, status)
	}

	if status.IsWrite() {
		return h.handlePresentWrite(addr)
	}

	if status.IsInstructionFetch() {
		return ErrInstructionFetch
	}

	return ErrProtectionViolation
}

// demandPage backs a not-present page with a newly allocated frame, provided
// a registered area covers the fault address and permits the access.
func (h *Handler) demandPage(addr mm.VirtAddr, status Status) *kernel.Error {
	vma, ok := h.vmas.FindCovering(addr)
	if !ok {
		return ErrInvalidAddress
	}

	switch {
	case status.IsWrite() && !vma.Prot.CanWrite():
		return ErrWriteToReadOnly
	case status.IsInstructionFetch() && !vma.Prot.CanExec():
		return ErrInstructionFetch
	case !status.IsWrite() && !status.IsInstructionFetch() && !vma.Prot.CanRead():
		return ErrProtectionViolation
	}

	frame, err := h.frames.AllocFrame()
	if err != nil {
		return err
	}

	// The frame must be cleared before it becomes visible; it may still
	// hold another owner's data.
	h.win.ZeroFrame(frame)

	flags := EntryFlag(0)
	if vma.Prot.CanWrite() {
		flags |= FlagWritable
	}
	if !vma.Prot.CanExec() {
		flags |= FlagNoExecute
	}
	if status.IsUser() {
		flags |= FlagUserAccessible
	}

	page := mm.PageFromAddress(addr)
	if err := h.space.Map(page.Address(), frame.Address(), flags); err != nil {
		h.frames.FreeFrame(frame)
		return err
	}

	return nil
}

// handlePresentWrite deals with write faults on present pages. Pages
// flagged copy-on-write are duplicated and remapped writable; everything
// else is an illegal write.
func (h *Handler) handlePresentWrite(addr mm.VirtAddr) *kernel.Error {
	h.space.lock.Acquire()
	entry, _, err := h.space.leafEntry(addr)
	h.space.lock.Release()
	if err != nil {
		return ErrProtectionViolation
	}

	if !entryIsCopyOnWrite(entry) {
		return ErrWriteToReadOnly
	}

	return h.resolveCopyOnWrite(addr)
}

// entryIsCopyOnWrite reports whether a write fault on the entry should be
// resolved by duplication. The sharing and reference-counting policy that
// would set FlagCopyOnWrite is not implemented yet, so no entry currently
// qualifies.
func entryIsCopyOnWrite(e Entry) bool {
	_ = e.IsCopyOnWrite()
	return false
}

// resolveCopyOnWrite duplicates the page backing addr into a fresh frame and
// remaps it writable in place.
func (h *Handler) resolveCopyOnWrite(addr mm.VirtAddr) *kernel.Error {
	copyFrame, err := h.frames.AllocFrame()
	if err != nil {
		return err
	}

	h.space.lock.Acquire()
	defer h.space.lock.Release()

	entry, entryAddr, leafErr := h.space.leafEntry(addr)
	if leafErr != nil {
		h.frames.FreeFrame(copyFrame)
		return leafErr
	}

	h.win.CopyFrame(copyFrame, entry.Frame())

	entry.SetFrame(copyFrame)
	entry.ClearFlags(FlagCopyOnWrite)
	entry.SetFlags(FlagPresent | FlagWritable)
	h.win.WriteWord(entryAddr, uint64(entry))

	h.space.tlb.Page(uintptr(addr.AlignDown(mm.PageSize)))
	return nil
}
