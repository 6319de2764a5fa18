package freemap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursework-os/filesys/device"
	"github.com/coursework-os/filesys/freemap"
)

func TestBitmapAllocatorSkipsReserved(t *testing.T) {
	a := freemap.NewBitmapAllocator(4, 2)

	id, ok := a.Allocate()
	require.True(t, ok)
	assert.Equal(t, device.SectorID(2), id)

	id, ok = a.Allocate()
	require.True(t, ok)
	assert.Equal(t, device.SectorID(3), id)

	_, ok = a.Allocate()
	assert.False(t, ok, "allocator should be exhausted")
}

func TestBitmapAllocatorReleaseAllowsReuse(t *testing.T) {
	a := freemap.NewBitmapAllocator(2, 0)

	first, ok := a.Allocate()
	require.True(t, ok)
	second, ok := a.Allocate()
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	_, ok = a.Allocate()
	assert.False(t, ok)

	a.Release(first)
	reused, ok := a.Allocate()
	require.True(t, ok)
	assert.Equal(t, first, reused)
}

func TestBitmapAllocatorNeverDoubleAllocates(t *testing.T) {
	a := freemap.NewBitmapAllocator(16, 0)

	seen := make(map[device.SectorID]bool)
	for i := 0; i < 16; i++ {
		id, ok := a.Allocate()
		require.True(t, ok)
		assert.False(t, seen[id], "sector %d allocated twice", id)
		seen[id] = true
	}

	_, ok := a.Allocate()
	assert.False(t, ok)
}
