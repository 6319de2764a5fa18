package device_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursework-os/filesys/device"
)

func TestMemDeviceRoundTrip(t *testing.T) {
	d := device.NewMemDevice(4)

	in := make([]byte, device.SectorSize)
	for i := range in {
		in[i] = byte(i)
	}
	require.NoError(t, d.WriteSector(2, in))

	out := make([]byte, device.SectorSize)
	require.NoError(t, d.ReadSector(2, out))
	assert.Equal(t, in, out)
	assert.Equal(t, 1, d.Reads)
	assert.Equal(t, 1, d.Writes)
}

func TestMemDeviceBadBufferSize(t *testing.T) {
	d := device.NewMemDevice(1)
	err := d.ReadSector(0, make([]byte, 10))
	assert.ErrorIs(t, err, device.ErrBadBufferSize)
}

func TestMemDeviceOutOfRange(t *testing.T) {
	d := device.NewMemDevice(1)
	buf := make([]byte, device.SectorSize)
	err := d.ReadSector(5, buf)
	var rangeErr *device.ErrSectorOutOfRange
	assert.True(t, errors.As(err, &rangeErr))
}

func TestMemDevicePoison(t *testing.T) {
	d := device.NewMemDevice(2)
	boom := errors.New("boom")
	d.Poison(1, boom)

	buf := make([]byte, device.SectorSize)
	assert.ErrorIs(t, d.ReadSector(1, buf), boom)
	assert.ErrorIs(t, d.WriteSector(1, buf), boom)

	// Sector 0 remains usable.
	assert.NoError(t, d.WriteSector(0, buf))
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	d, err := device.OpenFileDevice(path, device.Options{SectorCount: 8})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, device.SectorID(8), d.SectorCount())

	in := make([]byte, device.SectorSize)
	in[0] = 0xAB
	require.NoError(t, d.WriteSector(3, in))

	out := make([]byte, device.SectorSize)
	require.NoError(t, d.ReadSector(3, out))
	assert.Equal(t, in, out)
}

func TestFileDeviceOutOfRange(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	d, err := device.OpenFileDevice(path, device.Options{SectorCount: 2})
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, device.SectorSize)
	err = d.ReadSector(9, buf)
	var rangeErr *device.ErrSectorOutOfRange
	assert.True(t, errors.As(err, &rangeErr))
}
