// Package cpu abstracts the per-processor state the memory manager needs to
// reach: the translation-lookaside buffer of every processor that may cache
// translations for an address space.
//
// The hardware instructions for invalidating TLB entries (invlpg and the
// full-flush via the page-table-base register) are owned by the architecture
// layer; this package only models their dispatch across processors.
package cpu

import "sync"

// FlushRequest describes a TLB invalidation that a processor must apply.
// The initiating processor blocks until every recipient acknowledges the
// request, so a mapping mutation never returns while a stale translation
// may still be cached somewhere.
type FlushRequest struct {
	// Addr holds the virtual address whose translation must be dropped.
	// It is ignored when All is set.
	Addr uintptr

	// All requests a full TLB flush instead of a single-entry one.
	All bool

	ack *sync.WaitGroup
}

// Ack signals that the receiving processor has applied the invalidation.
// Processors that apply requests asynchronously must call Ack exactly once
// per delivered request.
func (r *FlushRequest) Ack() {
	r.ack.Done()
}

// Processor is the target of TLB invalidation requests.
type Processor interface {
	// ID returns the processor identifier.
	ID() uint32

	// Deliver hands a flush request to the processor. Delivery may be
	// asynchronous; the request is only considered complete once the
	// processor calls Ack on it.
	Deliver(*FlushRequest)
}
