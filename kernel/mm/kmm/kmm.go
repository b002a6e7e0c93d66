// Package kmm assembles the memory management subsystem: physical frame
// allocation, the kernel address space, demand paging, the slab and
// vmalloc allocators, swap and the OOM killer, all reachable from one
// manager instead of package-level state.
package kmm

import (
	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/cpu"
	"github.com/npequeux/rinux-sub000/kernel/kfmt"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	"github.com/npequeux/rinux-sub000/kernel/mm/mmap"
	"github.com/npequeux/rinux-sub000/kernel/mm/oom"
	"github.com/npequeux/rinux-sub000/kernel/mm/pmm"
	"github.com/npequeux/rinux-sub000/kernel/mm/slab"
	"github.com/npequeux/rinux-sub000/kernel/mm/swap"
	"github.com/npequeux/rinux-sub000/kernel/mm/vmalloc"
	"github.com/npequeux/rinux-sub000/kernel/mm/vmm"
)

// SwapDeviceConfig describes one swap device to register at startup.
type SwapDeviceConfig struct {
	ID    uint8
	Pages uint64
}

// Config carves the physical window into the ranges the subsystem manages
// and selects the virtual windows for kernel and user allocations.
type Config struct {
	// PhysStart and PhysSize delimit the managed physical memory. The
	// slab bump range is carved off the end; the rest feeds the frame
	// allocator.
	PhysStart mm.PhysAddr
	PhysSize  uint64

	// HeapSize is the number of bytes reserved for the slab bump range.
	HeapSize uint64

	// VmallocStart and VmallocEnd override the default vmalloc window
	// when non-zero.
	VmallocStart mm.VirtAddr
	VmallocEnd   mm.VirtAddr

	// UserStart and UserEnd override the default user mapping window
	// when non-zero.
	UserStart mm.VirtAddr
	UserEnd   mm.VirtAddr

	// MinFreeMemory overrides the OOM threshold when non-zero.
	MinFreeMemory uint64

	// Processes supplies the OOM killer. Without it memory exhaustion is
	// reported to the caller instead of reclaimed.
	Processes oom.ProcessSource

	// SwapIO transfers page contents to swap devices; swap.NopBlockIO is
	// used when nil.
	SwapIO swap.BlockIO

	// SwapDevices are registered with the swap manager at startup.
	SwapDevices []SwapDeviceConfig

	// Processors take part in TLB shootdowns. A single local processor
	// is registered when empty.
	Processors []cpu.Processor
}

// DefaultConfig manages 32 MiB of physical memory starting at 1 MiB with a
// 4 MiB slab heap, matching the smallest supported machine.
func DefaultConfig() Config {
	return Config{
		PhysStart: 0x100000,
		PhysSize:  32 << 20,
		HeapSize:  4 << 20,
	}
}

var errConfigTooSmall = &kernel.Error{Module: "kmm", Message: "physical range cannot fit the slab heap"}

// Manager owns every component of the memory subsystem.
type Manager struct {
	win    *mm.BufferWindow
	frames *pmm.Allocator
	topo   *mm.Topology
	tlb    *cpu.Shootdown

	space  *vmm.AddressSpace
	vmas   *vmm.VMASet
	faults *vmm.Handler

	slab    *slab.Allocator
	vmalloc *vmalloc.Pool
	swap    *swap.Manager
	oom     *oom.Killer
	mmap    *mmap.Mapper

	reclaim *reclaimSource
}

// New wires up the memory subsystem for the supplied configuration.
func New(cfg Config) (*Manager, *kernel.Error) {
	if cfg.PhysSize <= cfg.HeapSize {
		return nil, errConfigTooSmall
	}

	m := &Manager{}

	// Physical layer: the window covers the whole managed range; the
	// frame allocator gets everything but the slab heap at its end.
	m.win = mm.NewBufferWindow(cfg.PhysStart, cfg.PhysSize)
	frameBytes := cfg.PhysSize - cfg.HeapSize

	frames, err := pmm.NewAllocator([]pmm.Region{{Start: cfg.PhysStart, Size: frameBytes}})
	if err != nil {
		return nil, err
	}
	m.frames = frames

	// ACPI-based NUMA detection belongs to the architecture layer; until
	// it lands the managed range is treated as one node.
	m.topo = mm.SingleNodeTopology(cfg.PhysStart, cfg.PhysStart+mm.PhysAddr(cfg.PhysSize))

	m.tlb = &cpu.Shootdown{}
	if len(cfg.Processors) == 0 {
		m.tlb.Register(cpu.NewLocalProcessor(0))
	}
	for _, p := range cfg.Processors {
		m.tlb.Register(p)
	}

	// The OOM killer must exist before the reclaiming frame source that
	// consults it.
	killer := oom.NewKiller(cfg.Processes)
	if cfg.Processes == nil {
		killer.Disable()
	}
	if cfg.MinFreeMemory != 0 {
		killer.SetMinFreeMemory(cfg.MinFreeMemory)
	}
	m.oom = killer
	m.reclaim = &reclaimSource{frames: frames, killer: killer}

	space, err := vmm.NewAddressSpace(m.win, m.reclaim, m.tlb)
	if err != nil {
		return nil, err
	}
	m.space = space
	m.vmas = &vmm.VMASet{}
	m.faults = vmm.NewHandler(space, m.vmas, m.reclaim, m.win)

	heapStart := cfg.PhysStart + mm.PhysAddr(frameBytes)
	m.slab = slab.NewAllocator(m.win, m.reclaim, heapStart, cfg.HeapSize)

	vmStart, vmEnd := cfg.VmallocStart, cfg.VmallocEnd
	if vmStart == 0 && vmEnd == 0 {
		vmStart, vmEnd = vmalloc.DefaultStart, vmalloc.DefaultEnd
	}
	m.vmalloc = vmalloc.NewPool(space, m.reclaim, m.win, vmStart, vmEnd)

	io := cfg.SwapIO
	if io == nil {
		io = swap.NopBlockIO{}
	}
	m.swap = swap.NewManager(m.win, io)
	for _, dev := range cfg.SwapDevices {
		m.swap.AddDevice(dev.ID, dev.Pages)
	}

	userStart, userEnd := cfg.UserStart, cfg.UserEnd
	if userStart == 0 && userEnd == 0 {
		userStart, userEnd = mmap.DefaultUserStart, mmap.DefaultUserEnd
	}
	m.mmap = mmap.NewMapper(space, m.reclaim, m.win, userStart, userEnd)

	kfmt.Fprintf(kfmt.PrefixedOutput("[kmm] "), "managing %d kB at 0x%x (%d kB slab heap)\n",
		cfg.PhysSize/1024, uint64(cfg.PhysStart), cfg.HeapSize/1024)

	return m, nil
}

// Frames returns the frame source components should allocate through. It
// reclaims memory via the OOM killer before giving up.
func (m *Manager) Frames() mm.FrameSource { return m.reclaim }

// Window returns the physical memory window the subsystem operates on.
func (m *Manager) Window() mm.PhysWindow { return m.win }

// Topology returns the NUMA topology of the managed physical memory.
func (m *Manager) Topology() *mm.Topology { return m.topo }

// AddressSpace returns the kernel address space.
func (m *Manager) AddressSpace() *vmm.AddressSpace { return m.space }

// VMAs returns the registered virtual memory areas.
func (m *Manager) VMAs() *vmm.VMASet { return m.vmas }

// HandleFault resolves a page fault; see vmm.Handler.
func (m *Manager) HandleFault(addr mm.VirtAddr, status vmm.Status) *kernel.Error {
	return m.faults.HandleFault(addr, status)
}

// Slab returns the small-object allocator.
func (m *Manager) Slab() *slab.Allocator { return m.slab }

// Vmalloc returns the kernel virtual memory pool.
func (m *Manager) Vmalloc() *vmalloc.Pool { return m.vmalloc }

// Swap returns the swap manager.
func (m *Manager) Swap() *swap.Manager { return m.swap }

// OOM returns the out-of-memory killer.
func (m *Manager) OOM() *oom.Killer { return m.oom }

// Mmap returns the user mapping manager.
func (m *Manager) Mmap() *mmap.Mapper { return m.mmap }

// PageTableRoot returns the frame holding the top-level translation table,
// ready to be loaded on a context switch.
func (m *Manager) PageTableRoot() mm.Frame { return m.space.RootFrame() }

// Stats aggregates the counters of every component.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
	Slab        slab.Stats
	Swap        swap.Stats
	OOMKills    uint64
}

// Stats returns a snapshot of subsystem-wide memory accounting.
func (m *Manager) Stats() Stats {
	return Stats{
		TotalFrames: m.frames.TotalFrames(),
		FreeFrames:  m.frames.FreeFrames(),
		Slab:        m.slab.Stats(),
		Swap:        m.swap.Stats(),
		OOMKills:    m.oom.Kills(),
	}
}

// UnderPressure returns true if free physical memory has dropped below a
// tenth of the managed total.
func (m *Manager) UnderPressure() bool {
	return oom.UnderPressure(m.frames.FreeFrames()*mm.PageSize, m.frames.TotalFrames()*mm.PageSize)
}

// reclaimSource decorates the frame allocator with OOM-driven reclaim:
// when allocation fails, the killer is triggered once and the allocation
// retried a single time. Freeing a victim's memory returns its frames to
// the same allocator, so the retry can observe the reclaimed space.
type reclaimSource struct {
	frames *pmm.Allocator
	killer *oom.Killer
}

func (r *reclaimSource) AllocFrame() (mm.Frame, *kernel.Error) {
	frame, err := r.frames.AllocFrame()
	if err != mm.ErrOutOfMemory {
		return frame, err
	}

	if _, killed := r.killer.Trigger(r.frames.FreeFrames() * mm.PageSize); !killed {
		return mm.InvalidFrame, err
	}

	return r.frames.AllocFrame()
}

func (r *reclaimSource) FreeFrame(f mm.Frame) *kernel.Error {
	return r.frames.FreeFrame(f)
}

func (r *reclaimSource) FreeFrames() uint64 {
	return r.frames.FreeFrames()
}
