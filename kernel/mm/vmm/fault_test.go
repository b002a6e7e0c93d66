package vmm

import (
	"testing"

	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/cpu"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	"github.com/npequeux/rinux-sub000/kernel/mm/pmm"
)

func newTestHandler(t *testing.T) (*Handler, *AddressSpace, *pmm.Allocator, *mm.BufferWindow, *cpu.LocalProcessor) {
	t.Helper()

	space, alloc, win, proc := newTestSpace(t)
	handler := NewHandler(space, &VMASet{}, alloc, win)
	return handler, space, alloc, win, proc
}

func TestHandleFaultClassification(t *testing.T) {
	handler, space, alloc, _, _ := newTestHandler(t)

	// Back a read-only present page so protection faults have something
	// to classify against.
	virt := mm.VirtAddr(0x8000)
	frame, _ := alloc.AllocFrame()
	if err := space.Map(virt, frame.Address(), FlagNoExecute); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		status Status
		expErr *kernel.Error
	}{
		{StatusPresent | StatusWrite, ErrWriteToReadOnly},
		{StatusPresent | StatusInstructionFetch, ErrInstructionFetch},
		{StatusPresent, ErrProtectionViolation},
		{StatusPresent | StatusUser, ErrProtectionViolation},
	}

	for specIndex, spec := range specs {
		if err := handler.HandleFault(virt, spec.status); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestHandleFaultReservedBit(t *testing.T) {
	handler, _, _, _, _ := newTestHandler(t)

	defer func() {
		if err := recover(); err != ErrReservedBitViolation {
			t.Fatalf("expected a panic with ErrReservedBitViolation; got %v", err)
		}
	}()

	handler.HandleFault(0x8000, StatusPresent|StatusReservedBit)
	t.Fatal("expected HandleFault to panic")
}

func TestDemandPageZeroFill(t *testing.T) {
	handler, space, alloc, win, _ := newTestHandler(t)

	if err := handler.vmas.Insert(VMA{Start: 0x4000, End: 0x8000, Prot: ProtRead | ProtWrite}); err != nil {
		t.Fatal(err)
	}

	// Dirty the frame the fault handler is about to pick up so the test
	// proves it gets scrubbed.
	dirty, _ := alloc.AllocFrame()
	data := win.Data(dirty.Address(), mm.PageSize)
	for i := range data {
		data[i] = 0xbd
	}
	if err := alloc.FreeFrame(dirty); err != nil {
		t.Fatal(err)
	}

	virt := mm.VirtAddr(0x4123)
	if err := handler.HandleFault(virt, 0); err != nil {
		t.Fatalf("expected demand paging to succeed; got %v", err)
	}

	phys, err := space.Translate(virt)
	if err != nil {
		t.Fatal(err)
	}

	for i, b := range win.Data(phys.AlignDown(mm.PageSize), mm.PageSize) {
		if b != 0 {
			t.Fatalf("expected demand-paged frame to be zero-filled; byte %d is 0x%x", i, b)
		}
	}

	space.lock.Acquire()
	entry, _, leafErr := space.leafEntry(virt)
	space.lock.Release()
	if leafErr != nil {
		t.Fatal(leafErr)
	}

	switch {
	case !entry.IsPresent():
		t.Error("expected the repaired entry to be present")
	case !entry.IsWritable():
		t.Error("expected a writable area to yield a writable entry")
	case !entry.HasFlags(FlagNoExecute):
		t.Error("expected a non-executable area to yield a no-execute entry")
	case entry.IsUserAccessible():
		t.Error("expected a kernel-mode fault to yield a kernel-only entry")
	}
}

func TestDemandPageUserAccess(t *testing.T) {
	handler, space, _, _, _ := newTestHandler(t)

	if err := handler.vmas.Insert(VMA{Start: 0x4000, End: 0x8000, Prot: ProtRead | ProtWrite}); err != nil {
		t.Fatal(err)
	}

	if err := handler.HandleFault(0x4000, StatusUser|StatusWrite); err != nil {
		t.Fatalf("expected demand paging to succeed; got %v", err)
	}

	space.lock.Acquire()
	entry, _, leafErr := space.leafEntry(0x4000)
	space.lock.Release()
	if leafErr != nil {
		t.Fatal(leafErr)
	}

	if !entry.IsUserAccessible() {
		t.Error("expected a user-mode fault to yield a user-accessible entry")
	}
}

func TestDemandPagePermissions(t *testing.T) {
	specs := []struct {
		prot   Prot
		status Status
		expErr *kernel.Error
	}{
		// Write to an area without write permission.
		{ProtRead, StatusWrite, ErrWriteToReadOnly},
		// Instruction fetch from a non-executable area.
		{ProtRead | ProtWrite, StatusInstructionFetch, ErrInstructionFetch},
		// Load from a write-only area.
		{ProtWrite, 0, ErrProtectionViolation},
		// Permitted accesses resolve the fault.
		{ProtRead, 0, nil},
		{ProtRead | ProtExec, StatusInstructionFetch, nil},
	}

	for specIndex, spec := range specs {
		handler, _, _, _, _ := newTestHandler(t)
		if err := handler.vmas.Insert(VMA{Start: 0x4000, End: 0x8000, Prot: spec.prot}); err != nil {
			t.Fatal(err)
		}

		if err := handler.HandleFault(0x4000, spec.status); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestDemandPageUncoveredAddress(t *testing.T) {
	handler, _, _, _, _ := newTestHandler(t)

	if err := handler.HandleFault(0xdead000, 0); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress; got %v", err)
	}
}

func TestDemandPageOutOfMemory(t *testing.T) {
	handler, _, alloc, _, _ := newTestHandler(t)

	if err := handler.vmas.Insert(VMA{Start: 0x4000, End: 0x8000, Prot: ProtRead}); err != nil {
		t.Fatal(err)
	}

	for {
		if _, err := alloc.AllocFrame(); err != nil {
			break
		}
	}

	if err := handler.HandleFault(0x4000, 0); err != mm.ErrOutOfMemory {
		t.Fatalf("expected mm.ErrOutOfMemory; got %v", err)
	}
}

func TestResolveCopyOnWrite(t *testing.T) {
	handler, space, alloc, win, proc := newTestHandler(t)

	// Hand-build the state the sharing policy would leave behind: a
	// present, read-only mapping with recognizable contents.
	virt := mm.VirtAddr(0x6000)
	orig, _ := alloc.AllocFrame()
	origData := win.Data(orig.Address(), mm.PageSize)
	for i := range origData {
		origData[i] = byte(i)
	}
	if err := space.Map(virt, orig.Address(), 0); err != nil {
		t.Fatal(err)
	}

	flushesBefore := proc.PageFlushes()

	if err := handler.resolveCopyOnWrite(virt); err != nil {
		t.Fatal(err)
	}

	phys, err := space.Translate(virt)
	if err != nil {
		t.Fatal(err)
	}
	if phys == orig.Address() {
		t.Fatal("expected the mapping to point at a private copy, not the shared frame")
	}

	copyData := win.Data(phys, mm.PageSize)
	for i := range copyData {
		if copyData[i] != byte(i) {
			t.Fatalf("expected byte %d of the copy to be 0x%x; got 0x%x", i, byte(i), copyData[i])
		}
	}

	space.lock.Acquire()
	entry, _, leafErr := space.leafEntry(virt)
	space.lock.Release()
	if leafErr != nil {
		t.Fatal(leafErr)
	}

	if !entry.IsWritable() {
		t.Error("expected the resolved entry to be writable")
	}
	if entry.IsCopyOnWrite() {
		t.Error("expected the copy-on-write flag to be cleared")
	}

	if proc.PageFlushes() != flushesBefore+1 {
		t.Error("expected the stale translation to be flushed")
	}
}
