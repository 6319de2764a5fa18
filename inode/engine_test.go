package inode_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursework-os/filesys/cache"
	"github.com/coursework-os/filesys/device"
	"github.com/coursework-os/filesys/freemap"
	"github.com/coursework-os/filesys/inode"
)

// newTestEngine builds an Engine over a fresh MemDevice of sectorCount
// sectors, reserving [0, reserved) from the free-map for the caller's own
// explicit inode sector ids.
func newTestEngine(t *testing.T, sectorCount, reserved device.SectorID) (*inode.Engine, *device.MemDevice, *freemap.BitmapAllocator) {
	t.Helper()
	dev := device.NewMemDevice(sectorCount)
	c := cache.NewCache(dev, 32, cache.Options{})
	t.Cleanup(c.Stop)
	free := freemap.NewBitmapAllocator(sectorCount, reserved)
	return inode.NewEngine(dev, c, free, nil), dev, free
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)

	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, int64(0), in.Length())
	assert.False(t, in.IsDir())
}

func TestOpenSharesInstanceAndTracksOpenCount(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)
	require.NoError(t, eng.Create(2, 512, false))

	a, err := eng.Open(2)
	require.NoError(t, err)
	b, err := eng.Open(2)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, a.OpenCount())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, b.OpenCount())
	require.NoError(t, b.Close())

	// The registry entry is gone now; reopening loads a fresh instance.
	c, err := eng.Open(2)
	require.NoError(t, err)
	defer c.Close()
	assert.NotSame(t, a, c)
}

func TestOpenRejectsCorruptMagic(t *testing.T) {
	eng, dev, _ := newTestEngine(t, 8, 3)

	garbage := make([]byte, device.SectorSize)
	for i := range garbage {
		garbage[i] = 0x41
	}
	require.NoError(t, dev.WriteSector(5, garbage))

	_, err := eng.Open(5)
	assert.ErrorIs(t, err, inode.ErrCorruptInode)
}

func TestCreateExhaustsFreeMapShort(t *testing.T) {
	// 8 sectors total, 3 reserved (0,1, the file's own sector), so only 5
	// data sectors are available for growth: 2560 bytes.
	eng, _, _ := newTestEngine(t, 8, 3)

	err := eng.Create(2, 5000, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, inode.ErrNoSpace)

	in, openErr := eng.Open(2)
	require.NoError(t, openErr)
	defer in.Close()
	assert.Equal(t, int64(5*device.SectorSize), in.Length())
}

func TestRemoveOnCloseReleasesSectors(t *testing.T) {
	const total = 10
	eng, _, free := newTestEngine(t, total, 3)

	require.NoError(t, eng.Create(2, 3*device.SectorSize, false))

	in, err := eng.Open(2)
	require.NoError(t, err)

	in.Remove()
	require.NoError(t, in.Close())

	// All 7 non-reserved sectors (3..9) must be available again.
	count := 0
	for {
		if _, ok := free.Allocate(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 7, count)
}

func TestGrowthAcrossDirectIndirectBoundary(t *testing.T) {
	const total = 400
	eng, _, _ := newTestEngine(t, total, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	payload := make([]byte, 4096+100)
	for i := range payload {
		payload[i] = 'X'
	}

	n, err := in.WriteAt(payload, 4000)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, int64(4000+len(payload)), in.Length())

	readBack := make([]byte, len(payload))
	_, err = in.ReadAt(readBack, 4000)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestGrowthFailureDoesNotTruncateExistingLength(t *testing.T) {
	eng, dev, _ := newTestEngine(t, 20, 3)
	require.NoError(t, eng.Create(2, 2*device.SectorSize, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()
	require.Equal(t, int64(2*device.SectorSize), in.Length())

	// The free-map hands out sectors round-robin starting at the reserved
	// boundary: 3 and 4 already back the file's first two direct slots, so
	// growing by two more sectors needs 5 then 6. Poisoning 6 fails the
	// second of the two sectors this write needs to add.
	boom := errors.New("boom")
	dev.Poison(6, boom)

	payload := bytes.Repeat([]byte{'Z'}, 4*device.SectorSize)
	n, err := in.WriteAt(payload, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// Sector 5 was allocated and zeroed before sector 6's failure; the file
	// must never look shorter than that partial progress, let alone
	// truncate to less than it held before this call.
	assert.Equal(t, int64(3*device.SectorSize), in.Length())
	assert.Equal(t, 3*device.SectorSize, n)

	readBack := make([]byte, 3*device.SectorSize)
	_, err = in.ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, payload[:3*device.SectorSize], readBack)
}

func TestGrowthToMaxFileSize(t *testing.T) {
	// 16520 data sectors + 1 singly-indirect + 1 outer doubly-indirect +
	// 128 inner doubly-indirect blocks, plus a few spare sectors on top of
	// the 3 reserved ones (0, 1, and the inode's own sector).
	const total = 16520 + 1 + 1 + 128 + 8
	eng, _, _ := newTestEngine(t, total, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	last := []byte{0x7A}
	n, err := in.WriteAt(last, inode.MaxFileBytes-1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(inode.MaxFileBytes), in.Length())

	readBack := make([]byte, 1)
	_, err = in.ReadAt(readBack, inode.MaxFileBytes-1)
	require.NoError(t, err)
	assert.Equal(t, last, readBack)
}

func TestGrowthAcrossIndirectDoublyBoundary(t *testing.T) {
	const total = 400
	eng, _, _ := newTestEngine(t, total, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	const boundary = (8 + 128) * device.SectorSize
	payload := []byte("crossing-into-doubly-indirect-block")

	_, err = in.WriteAt(payload, boundary-10)
	require.NoError(t, err)

	readBack := make([]byte, len(payload))
	_, err = in.ReadAt(readBack, boundary-10)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}
