// Package fsio glues an inode.Inode to a plain io.ReaderAt/io.WriterAt
// surface. It adds nothing beyond argument validation: all chunking,
// growth, and caching live in the inode and cache packages. Directory
// and path resolution are out of scope for this module.
package fsio

import (
	"fmt"
	"io"

	"github.com/coursework-os/filesys/inode"
)

// File adapts an *inode.Inode to io.ReaderAt, io.WriterAt, and
// io.Closer, the shape most Go callers (e.g. an os.File-like wrapper, or
// a net/http.ServeContent source) expect.
type File struct {
	in *inode.Inode
}

// Open wraps in as a File. The caller remains responsible for the
// Inode's lifetime beyond Close: Close here only decrements the open
// count, matching inode.Inode.Close.
func Open(in *inode.Inode) *File {
	return &File{in: in}
}

// ReadAt implements io.ReaderAt. Per that interface's contract, it
// returns io.EOF when fewer than len(p) bytes are available at off.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("fsio: negative offset %d", off)
	}

	n, err := f.in.ReadAt(p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, extending the underlying inode when
// the write runs past its current length.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("fsio: negative offset %d", off)
	}
	return f.in.WriteAt(p, off)
}

// Size returns the file's currently published length.
func (f *File) Size() int64 { return f.in.Length() }

// Close releases this handle's reference to the underlying inode.
func (f *File) Close() error { return f.in.Close() }

// CopyFrom streams all of src into f starting at offset 0, in
// device.SectorSize-friendly chunks, returning the number of bytes
// written.
func CopyFrom(f *File, src io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], total); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
