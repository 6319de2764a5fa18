package inode_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coursework-os/filesys/device"
)

func TestReadAtStopsAtPublishedLength(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	_, err = in.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := in.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "read must stop at the published length, not fill the buffer")
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestReadAtPastLengthIsEmpty(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	buf := make([]byte, 10)
	n, err := in.ReadAt(buf, 1000)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteAtDeniedWhileDenyWriteHeld(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	in.DenyWrite()
	_, err = in.WriteAt([]byte("nope"), 0)
	assert.Error(t, err)

	in.AllowWrite()
	_, err = in.WriteAt([]byte("ok"), 0)
	assert.NoError(t, err)
}

func TestLengthMonotonicDuringConcurrentExtension(t *testing.T) {
	const total = 2000
	eng, _, _ := newTestEngine(t, total, 3)
	require.NoError(t, eng.Create(2, 512, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	_, err = in.WriteAt(bytes.Repeat([]byte{'A'}, 512), 0)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		payload := bytes.Repeat([]byte{'B'}, 50*1024)
		_, err := in.WriteAt(payload, 0)
		return err
	})

	g.Go(func() error {
		var last int64
		for i := 0; i < 500; i++ {
			cur := in.Length()
			if cur < last {
				t.Errorf("observed length go backwards: %d after %d", cur, last)
			}
			last = cur

			buf := make([]byte, 512)
			n, err := in.ReadAt(buf, 0)
			if err != nil {
				return err
			}
			if n > 0 && buf[0] != 'A' && buf[0] != 'B' {
				t.Errorf("read uninitialized byte %q at offset 0", buf[0])
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())
	assert.Equal(t, int64(50*1024), in.Length())
}

func TestLockExcludesConcurrentLocker(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)
	require.NoError(t, eng.Create(2, 0, false))

	in, err := eng.Open(2)
	require.NoError(t, err)
	defer in.Close()

	in.Lock()

	acquired := make(chan struct{})
	go func() {
		in.Lock()
		close(acquired)
		in.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock returned while the first caller still held it")
	case <-time.After(50 * time.Millisecond):
	}

	in.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after Unlock")
	}
}

func TestConcurrentOpenOfSameSectorConverges(t *testing.T) {
	eng, _, _ := newTestEngine(t, 32, 3)
	require.NoError(t, eng.Create(2, 0, false))

	const openers = 16
	results := make([]device.SectorID, openers)

	var g errgroup.Group
	for i := 0; i < openers; i++ {
		i := i
		g.Go(func() error {
			in, err := eng.Open(2)
			if err != nil {
				return err
			}
			results[i] = in.Sector()
			return in.Close()
		})
	}
	require.NoError(t, g.Wait())

	for _, s := range results {
		assert.Equal(t, device.SectorID(2), s)
	}
}
