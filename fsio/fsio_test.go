package fsio_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursework-os/filesys/cache"
	"github.com/coursework-os/filesys/device"
	"github.com/coursework-os/filesys/freemap"
	"github.com/coursework-os/filesys/fsio"
	"github.com/coursework-os/filesys/inode"
)

func newTestFile(t *testing.T) *fsio.File {
	t.Helper()
	dev := device.NewMemDevice(64)
	c := cache.NewCache(dev, 16, cache.Options{})
	t.Cleanup(c.Stop)
	free := freemap.NewBitmapAllocator(64, 3)
	eng := inode.NewEngine(dev, c, free, nil)

	require.NoError(t, eng.Create(2, 0, false))
	in, err := eng.Open(2)
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	return fsio.Open(in)
}

func TestCopyFromThenReadAtRoundTrip(t *testing.T) {
	f := newTestFile(t)

	src := bytes.NewBufferString("the quick brown fox jumps over the lazy dog")
	n, err := fsio.CopyFrom(f, src)
	require.NoError(t, err)
	assert.EqualValues(t, 43, n)

	buf := make([]byte, 43)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", string(buf))
}

func TestReadAtReturnsEOFOnShortRead(t *testing.T) {
	f := newTestFile(t)

	_, err := f.WriteAt([]byte("short"), 0)
	require.NoError(t, err)

	buf := make([]byte, 20)
	n, err := f.ReadAt(buf, 0)
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNegativeOffsetRejected(t *testing.T) {
	f := newTestFile(t)

	_, err := f.WriteAt([]byte("x"), -1)
	assert.Error(t, err)

	_, err = f.ReadAt(make([]byte, 1), -1)
	assert.Error(t, err)
}
