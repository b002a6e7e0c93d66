package pmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npequeux/rinux-sub000/kernel/kfmt"
	"github.com/npequeux/rinux-sub000/kernel/mm"
)

func TestNewAllocatorRoundsRegionsInwards(t *testing.T) {
	alloc, err := NewAllocator([]Region{
		// 0x1100..0x5100 contains exactly 3 whole frames
		// (0x2000, 0x3000, 0x4000).
		{Start: 0x1100, Size: 4 * mm.PageSize},
	})
	require.Nil(t, err)
	assert.Equal(t, uint64(3), alloc.TotalFrames())

	_, err = NewAllocator([]Region{{Start: 0x100, Size: 0x200}})
	assert.Equal(t, errNoUsableRegions, err)
}

func TestAllocatorExhaustionAndReuse(t *testing.T) {
	const numFrames = 130 // spans three bitmap blocks

	alloc, err := NewAllocator([]Region{
		{Start: 0x100000, Size: numFrames * mm.PageSize},
	})
	require.Nil(t, err)

	frames := make([]mm.Frame, 0, numFrames)
	for i := 0; i < numFrames; i++ {
		frame, allocErr := alloc.AllocFrame()
		require.Nil(t, allocErr, "allocation %d", i)
		frames = append(frames, frame)
	}

	// All frames must be distinct.
	seen := make(map[mm.Frame]bool, numFrames)
	for _, frame := range frames {
		require.False(t, seen[frame], "frame %d handed out twice", frame)
		seen[frame] = true
	}

	_, allocErr := alloc.AllocFrame()
	assert.Equal(t, mm.ErrOutOfMemory, allocErr)
	assert.Equal(t, uint64(0), alloc.FreeFrames())

	// Freeing K frames makes exactly K allocations possible again.
	const k = 7
	for i := 0; i < k; i++ {
		require.Nil(t, alloc.FreeFrame(frames[i*3]))
	}
	assert.Equal(t, uint64(k), alloc.FreeFrames())

	for i := 0; i < k; i++ {
		_, allocErr := alloc.AllocFrame()
		require.Nil(t, allocErr)
	}
	_, allocErr = alloc.AllocFrame()
	assert.Equal(t, mm.ErrOutOfMemory, allocErr)
}

func TestFreeFrameErrors(t *testing.T) {
	alloc, err := NewAllocator([]Region{
		{Start: 0x100000, Size: 8 * mm.PageSize},
	})
	require.Nil(t, err)

	frame, allocErr := alloc.AllocFrame()
	require.Nil(t, allocErr)

	assert.Equal(t, ErrFrameOutOfRange, alloc.FreeFrame(0))
	require.Nil(t, alloc.FreeFrame(frame))
	assert.Equal(t, ErrFrameNotAllocated, alloc.FreeFrame(frame))
}

func TestReserve(t *testing.T) {
	alloc, err := NewAllocator([]Region{
		{Start: 0x100000, Size: 2 * mm.PageSize},
	})
	require.Nil(t, err)

	reserved := mm.FrameFromAddress(0x100000)
	require.Nil(t, alloc.Reserve(reserved))
	assert.Equal(t, ErrFrameAlreadyReserved, alloc.Reserve(reserved))
	assert.Equal(t, ErrFrameOutOfRange, alloc.Reserve(0))

	// The reserved frame must never be handed out.
	frame, allocErr := alloc.AllocFrame()
	require.Nil(t, allocErr)
	assert.NotEqual(t, reserved, frame)

	_, allocErr = alloc.AllocFrame()
	assert.Equal(t, mm.ErrOutOfMemory, allocErr)
}

func TestFreeAndReserveInvalidFrame(t *testing.T) {
	alloc, err := NewAllocator([]Region{{Start: 0x100000, Size: 16 * mm.PageSize}})
	require.Nil(t, err)

	assert.Equal(t, ErrFrameOutOfRange, alloc.FreeFrame(mm.InvalidFrame))
	assert.Equal(t, ErrFrameOutOfRange, alloc.Reserve(mm.InvalidFrame))
}

func TestMemoryMapLogPrefix(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)
	buf.Reset()

	_, err := NewAllocator([]Region{{Start: 0x100000, Size: 16 * mm.PageSize}})
	require.Nil(t, err)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "[pmm] "), "line %q lacks the [pmm] prefix", line)
	}
}
