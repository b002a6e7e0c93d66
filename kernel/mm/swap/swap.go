// Package swap manages page-sized slots on swap devices and moves page
// contents between physical memory and backing storage when memory runs
// low.
package swap

import (
	"io"

	"github.com/npequeux/rinux-sub000/kernel"
	"github.com/npequeux/rinux-sub000/kernel/kfmt"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

var (
	// ErrSwapNotEnabled is returned when swapping while no device is
	// registered or swapping has been administratively disabled.
	ErrSwapNotEnabled = &kernel.Error{Module: "swap", Message: "swap is not enabled"}

	// ErrNoSwapSpace is returned when every registered device is full.
	ErrNoSwapSpace = &kernel.Error{Module: "swap", Message: "no swap space available"}

	// ErrUnknownDevice is returned when an entry names a device that was
	// never registered.
	ErrUnknownDevice = &kernel.Error{Module: "swap", Message: "swap entry names an unknown device"}
)

// BlockIO transfers page contents to and from a swap device at page-sized
// slot granularity.
type BlockIO interface {
	// WritePage stores data into the given slot of the device.
	WritePage(device uint8, slot uint64, data []byte) *kernel.Error

	// ReadPage fills data from the given slot of the device.
	ReadPage(device uint8, slot uint64, data []byte) *kernel.Error
}

// NopBlockIO accepts every transfer without touching any storage. It
// stands in until real block device drivers are wired up.
type NopBlockIO struct{}

// WritePage discards the page contents.
func (NopBlockIO) WritePage(uint8, uint64, []byte) *kernel.Error { return nil }

// ReadPage leaves the destination untouched.
func (NopBlockIO) ReadPage(uint8, uint64, []byte) *kernel.Error { return nil }

// device tracks slot accounting for one swap device. Free slots are handed
// out lowest-offset first and recycled at the back of the queue.
type device struct {
	id         uint8
	totalSlots uint64
	usedSlots  uint64
	freeSlots  []uint64
}

func (d *device) allocate() (Entry, bool) {
	if len(d.freeSlots) == 0 {
		return Entry{}, false
	}
	slot := d.freeSlots[0]
	d.freeSlots = d.freeSlots[1:]
	d.usedSlots++
	return Entry{Device: d.id, Offset: slot}, true
}

func (d *device) release(slot uint64) {
	if slot >= d.totalSlots {
		return
	}
	d.freeSlots = append(d.freeSlots, slot)
	if d.usedSlots > 0 {
		d.usedSlots--
	}
}

// Stats is a snapshot of swap capacity and activity.
type Stats struct {
	TotalBytes uint64
	FreeBytes  uint64
	SwapIns    uint64
	SwapOuts   uint64
}

// Manager multiplexes swap slots across the registered devices and drives
// page transfers through a BlockIO implementation.
type Manager struct {
	lock    ksync.Spinlock
	win     mm.PhysWindow
	blockIO BlockIO
	devices []*device
	enabled bool

	swapIns  uint64
	swapOuts uint64

	log io.Writer
}

// NewManager returns a swap manager that reads and writes page contents
// through win and transfers them via blockIO. Swapping stays disabled until
// the first device is added.
func NewManager(win mm.PhysWindow, blockIO BlockIO) *Manager {
	return &Manager{win: win, blockIO: blockIO, log: kfmt.PrefixedOutput("[swap] ")}
}

// AddDevice registers a swap device with the given number of page slots
// and enables swapping.
func (m *Manager) AddDevice(id uint8, pages uint64) {
	m.lock.Acquire()
	defer m.lock.Release()

	d := &device{id: id, totalSlots: pages, freeSlots: make([]uint64, pages)}
	for i := uint64(0); i < pages; i++ {
		d.freeSlots[i] = i
	}
	m.devices = append(m.devices, d)
	m.enabled = true

	kfmt.Fprintf(m.log, "device %d registered: %d slots (%d kB)\n", id, pages, pages*mm.PageSize/1024)
}

// Enabled returns true if swapping is available.
func (m *Manager) Enabled() bool {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.enabled
}

// Enable re-enables swapping. It has no effect while no device is
// registered.
func (m *Manager) Enable() {
	m.lock.Acquire()
	defer m.lock.Release()
	if len(m.devices) > 0 {
		m.enabled = true
	}
}

// Disable administratively stops new swap traffic. Existing entries remain
// valid and can still be swapped back in after re-enabling.
func (m *Manager) Disable() {
	m.lock.Acquire()
	defer m.lock.Release()
	m.enabled = false
}

// SwapOut writes the page at phys to the first device with a free slot and
// returns the entry identifying it. virt names the page's virtual location
// for diagnostics.
func (m *Manager) SwapOut(virt mm.VirtAddr, phys mm.PhysAddr) (Entry, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.enabled {
		return Entry{}, ErrSwapNotEnabled
	}

	var (
		entry Entry
		owner *device
	)
	for _, d := range m.devices {
		if e, ok := d.allocate(); ok {
			entry, owner = e, d
			break
		}
	}
	if owner == nil {
		return Entry{}, ErrNoSwapSpace
	}

	if err := m.blockIO.WritePage(entry.Device, entry.Offset, m.win.Data(phys, mm.PageSize)); err != nil {
		owner.release(entry.Offset)
		return Entry{}, err
	}

	m.swapOuts++
	kfmt.Fprintf(m.log, "out 0x%016x -> device %d slot %d\n", uint64(virt), entry.Device, entry.Offset)
	return entry, nil
}

// SwapIn reads the page identified by entry into the frame at phys and
// releases the slot.
func (m *Manager) SwapIn(entry Entry, phys mm.PhysAddr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.enabled {
		return ErrSwapNotEnabled
	}

	owner := m.deviceByID(entry.Device)
	if owner == nil {
		return ErrUnknownDevice
	}

	if err := m.blockIO.ReadPage(entry.Device, entry.Offset, m.win.Data(phys, mm.PageSize)); err != nil {
		return err
	}

	owner.release(entry.Offset)
	m.swapIns++
	return nil
}

// Stats returns a snapshot of swap capacity and activity.
func (m *Manager) Stats() Stats {
	m.lock.Acquire()
	defer m.lock.Release()

	var total, used uint64
	for _, d := range m.devices {
		total += d.totalSlots
		used += d.usedSlots
	}

	return Stats{
		TotalBytes: total * mm.PageSize,
		FreeBytes:  (total - used) * mm.PageSize,
		SwapIns:    m.swapIns,
		SwapOuts:   m.swapOuts,
	}
}

// deviceByID returns the registered device with the given identifier. The
// caller must hold the manager lock.
func (m *Manager) deviceByID(id uint8) *device {
	for _, d := range m.devices {
		if d.id == id {
			return d
		}
	}
	return nil
}
