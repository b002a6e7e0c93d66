package cpu

import (
	"sync"

	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

// Shootdown implements the synchronous TLB shootdown protocol: a flush
// request is broadcast to every registered processor and the caller blocks
// until all of them acknowledge it. With a single registered processor this
// degenerates to a plain local flush.
type Shootdown struct {
	lock  ksync.Spinlock
	procs []Processor
}

// Register adds a processor to the shootdown broadcast set.
func (s *Shootdown) Register(p Processor) {
	s.lock.Acquire()
	s.procs = append(s.procs, p)
	s.lock.Release()
}

// ProcessorCount returns the number of registered processors.
func (s *Shootdown) ProcessorCount() int {
	s.lock.Acquire()
	n := len(s.procs)
	s.lock.Release()
	return n
}

// Page broadcasts a single-address invalidation and waits for every
// registered processor to acknowledge it.
func (s *Shootdown) Page(addr uintptr) {
	s.broadcast(&FlushRequest{Addr: addr})
}

// Full broadcasts a full-TLB invalidation and waits for every registered
// processor to acknowledge it.
func (s *Shootdown) Full() {
	s.broadcast(&FlushRequest{All: true})
}

func (s *Shootdown) broadcast(req *FlushRequest) {
	s.lock.Acquire()
	targets := s.procs
	s.lock.Release()

	if len(targets) == 0 {
		return
	}

	var ack sync.WaitGroup
	ack.Add(len(targets))
	req.ack = &ack

	for _, p := range targets {
		p.Deliver(req)
	}

	ack.Wait()
}

// LocalProcessor models a processor that applies invalidations immediately
// on delivery. It tracks flush counts so tests can assert on invalidation
// behavior.
type LocalProcessor struct {
	id          uint32
	pageFlushes uint64
	fullFlushes uint64
}

// NewLocalProcessor returns a LocalProcessor with the supplied identifier.
func NewLocalProcessor(id uint32) *LocalProcessor {
	return &LocalProcessor{id: id}
}

// ID returns the processor identifier.
func (p *LocalProcessor) ID() uint32 { return p.id }

// Deliver applies the flush request in place and acknowledges it.
func (p *LocalProcessor) Deliver(req *FlushRequest) {
	if req.All {
		p.fullFlushes++
	} else {
		p.pageFlushes++
	}
	req.Ack()
}

// PageFlushes returns the number of single-address invalidations applied.
func (p *LocalProcessor) PageFlushes() uint64 { return p.pageFlushes }

// FullFlushes returns the number of full-TLB invalidations applied.
func (p *LocalProcessor) FullFlushes() uint64 { return p.fullFlushes }

// QueuedProcessor models a remote processor that services invalidation
// requests from an interrupt queue. Requests are applied and acknowledged by
// a dedicated goroutine, so senders observe the real blocking behavior of
// the shootdown protocol.
type QueuedProcessor struct {
	id    uint32
	queue chan *FlushRequest
	done  chan struct{}

	lock        ksync.Spinlock
	pageFlushes uint64
	fullFlushes uint64
}

// NewQueuedProcessor returns a started QueuedProcessor with the supplied
// identifier. Stop must be called to release its service goroutine.
func NewQueuedProcessor(id uint32) *QueuedProcessor {
	p := &QueuedProcessor{
		id:    id,
		queue: make(chan *FlushRequest, 16),
		done:  make(chan struct{}),
	}
	go p.serve()
	return p
}

// ID returns the processor identifier.
func (p *QueuedProcessor) ID() uint32 { return p.id }

// Deliver enqueues the flush request for asynchronous processing.
func (p *QueuedProcessor) Deliver(req *FlushRequest) {
	p.queue <- req
}

// Stop shuts down the request service goroutine.
func (p *QueuedProcessor) Stop() {
	close(p.done)
}

// PageFlushes returns the number of single-address invalidations applied.
func (p *QueuedProcessor) PageFlushes() uint64 {
	p.lock.Acquire()
	n := p.pageFlushes
	p.lock.Release()
	return n
}

// FullFlushes returns the number of full-TLB invalidations applied.
func (p *QueuedProcessor) FullFlushes() uint64 {
	p.lock.Acquire()
	n := p.fullFlushes
	p.lock.Release()
	return n
}

func (p *QueuedProcessor) serve() {
	for {
		select {
		case req := <-p.queue:
			p.apply(req)
		case <-p.done:
			// Requests delivered before the stop must still be
			// acknowledged or their broadcaster blocks forever.
			for {
				select {
				case req := <-p.queue:
					p.apply(req)
				default:
					return
				}
			}
		}
	}
}

func (p *QueuedProcessor) apply(req *FlushRequest) {
	p.lock.Acquire()
	if req.All {
		p.fullFlushes++
	} else {
		p.pageFlushes++
	}
	p.lock.Release()
	req.Ack()
}
