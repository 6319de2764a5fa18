package device

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// FileDevice backs a Device with a regular file (or block special file on
// Linux). Sectors beyond the current file length are implicitly zero until
// written, matching a freshly-formatted block device.
type FileDevice struct {
	f       *os.File
	sectors SectorID
}

// Options configures OpenFileDevice.
type Options struct {
	// SectorCount is the number of addressable sectors the device exposes.
	// The backing file is truncated/extended to SectorCount*SectorSize.
	SectorCount SectorID

	// DirectIO requests O_DIRECT on platforms that support it (Linux only;
	// ignored elsewhere). Reads/writes must then be sector-aligned, which
	// they always are in this package since every buffer is exactly
	// SectorSize bytes.
	DirectIO bool
}

// OpenFileDevice opens (creating if necessary) path as a FileDevice.
func OpenFileDevice(path string, opts Options) (*FileDevice, error) {
	flags := os.O_RDWR | os.O_CREATE
	if opts.DirectIO && runtime.GOOS == "linux" {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT, 0o644)
		if err == nil {
			f := os.NewFile(uintptr(fd), path)
			return finishOpen(f, opts.SectorCount)
		}
		// O_DIRECT not supported on this filesystem; fall back silently.
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return finishOpen(f, opts.SectorCount)
}

func finishOpen(f *os.File, sectorCount SectorID) (*FileDevice, error) {
	size := int64(sectorCount) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, sectors: sectorCount}, nil
}

func (d *FileDevice) SectorCount() SectorID { return d.sectors }

func (d *FileDevice) ReadSector(id SectorID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	if id >= d.sectors {
		return &ErrSectorOutOfRange{ID: id, Count: d.sectors}
	}
	_, err := d.f.ReadAt(buf, int64(id)*SectorSize)
	return err
}

func (d *FileDevice) WriteSector(id SectorID, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	if id >= d.sectors {
		return &ErrSectorOutOfRange{ID: id, Count: d.sectors}
	}
	_, err := d.f.WriteAt(buf, int64(id)*SectorSize)
	return err
}

func (d *FileDevice) Close() error { return d.f.Close() }
