package vmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npequeux/rinux-sub000/kernel/cpu"
	"github.com/npequeux/rinux-sub000/kernel/mm"
	"github.com/npequeux/rinux-sub000/kernel/mm/pmm"
	"github.com/npequeux/rinux-sub000/kernel/mm/vmm"
)

const (
	testPhysStart = mm.PhysAddr(0x100000)
	testPhysSize  = 320 * mm.PageSize
	testWindowEnd = DefaultStart + mm.VirtAddr(512*mm.PageSize)
)

func newTestPool(t *testing.T) (*Pool, *pmm.Allocator, *mm.BufferWindow, *vmm.AddressSpace) {
	t.Helper()

	win := mm.NewBufferWindow(testPhysStart, testPhysSize)
	frames, err := pmm.NewAllocator([]pmm.Region{{Start: testPhysStart, Size: testPhysSize}})
	require.Nil(t, err)

	var tlb cpu.Shootdown
	tlb.Register(cpu.NewLocalProcessor(0))

	space, err := vmm.NewAddressSpace(win, frames, &tlb)
	require.Nil(t, err)

	return NewPool(space, frames, win, DefaultStart, testWindowEnd), frames, win, space
}

func TestAllocMapsZeroedPages(t *testing.T) {
	pool, _, win, space := newTestPool(t)

	addr, err := pool.Alloc(3*mm.PageSize + 123)
	require.Nil(t, err)
	assert.True(t, pool.Contains(addr))

	// The request is rounded up to 4 pages, each backed by a zeroed
	// frame.
	for page := uint64(0); page < 4; page++ {
		phys, err := space.Translate(addr + mm.VirtAddr(page*mm.PageSize))
		require.Nil(t, err, "page %d is not mapped", page)

		for _, b := range win.Data(phys, mm.PageSize) {
			require.Zero(t, b, "page %d is not zero-filled", page)
		}
	}

	// The page after the allocation must not be mapped.
	_, err = space.Translate(addr + mm.VirtAddr(4*mm.PageSize))
	assert.Equal(t, vmm.ErrNotMapped, err)
}

func TestAllocZeroSize(t *testing.T) {
	pool, _, _, _ := newTestPool(t)

	_, err := pool.Alloc(0)
	assert.Equal(t, ErrInvalidSize, err)
}

func TestFreeReleasesRange(t *testing.T) {
	pool, frames, _, space := newTestPool(t)

	addr, err := pool.Alloc(2 * mm.PageSize)
	require.Nil(t, err)

	freeBefore := frames.FreeFrames()
	require.Nil(t, pool.Free(addr))

	// Both data frames went back to the allocator and the range no
	// longer translates.
	assert.Equal(t, freeBefore+2, frames.FreeFrames())
	_, terr := space.Translate(addr)
	assert.Equal(t, vmm.ErrNotMapped, terr)

	// The hole is reusable.
	again, err := pool.Alloc(2 * mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, addr, again)
}

func TestFreeUnknownAddress(t *testing.T) {
	pool, _, _, _ := newTestPool(t)

	addr, err := pool.Alloc(mm.PageSize)
	require.Nil(t, err)

	assert.Equal(t, ErrNotAllocated, pool.Free(addr+mm.VirtAddr(mm.PageSize)))

	require.Nil(t, pool.Free(addr))
	assert.Equal(t, ErrNotAllocated, pool.Free(addr))
}

func TestFreeMergesNeighbors(t *testing.T) {
	pool, _, _, _ := newTestPool(t)

	a, err := pool.Alloc(mm.PageSize)
	require.Nil(t, err)
	b, err := pool.Alloc(mm.PageSize)
	require.Nil(t, err)
	c, err := pool.Alloc(mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, a+mm.VirtAddr(mm.PageSize), b)
	assert.Equal(t, b+mm.VirtAddr(mm.PageSize), c)

	require.Nil(t, pool.Free(a))
	require.Nil(t, pool.Free(c))
	require.Nil(t, pool.Free(b))

	// The three single-page holes merged back into one region, so a
	// three-page allocation fits at the window base again.
	merged, err := pool.Alloc(3 * mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, a, merged)
}

func TestAllocRollsBackOnFrameExhaustion(t *testing.T) {
	pool, _, _, _ := newTestPool(t)

	// More pages than the frame pool can back.
	_, err := pool.Alloc(400 * mm.PageSize)
	require.Equal(t, mm.ErrOutOfMemory, err)

	// The partial mapping was rolled back, so a small allocation still
	// succeeds and starts at the window base.
	addr, err := pool.Alloc(mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, DefaultStart, addr)
}

func TestAllocRegionTableFull(t *testing.T) {
	pool, _, _, _ := newTestPool(t)

	// Fill every table slot: 255 single-page allocations leave 255 used
	// regions plus the trailing free one.
	for i := 0; i < maxRegions-1; i++ {
		_, err := pool.Alloc(mm.PageSize)
		require.Nil(t, err, "allocation %d failed", i)
	}

	// One more split has no slot for the remainder.
	_, err := pool.Alloc(mm.PageSize)
	assert.Equal(t, ErrRegionTableFull, err)
}

func TestContains(t *testing.T) {
	pool, _, _, _ := newTestPool(t)

	assert.True(t, pool.Contains(DefaultStart))
	assert.True(t, pool.Contains(DefaultStart+0x1000))
	assert.False(t, pool.Contains(DefaultStart-1))
	assert.False(t, pool.Contains(testWindowEnd))
}
