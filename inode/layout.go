package inode

import (
	"encoding/binary"

	"github.com/coursework-os/filesys/device"
)

const (
	sectorSize = device.SectorSize

	// ptrsPerSector is the number of 4-byte sector ids that fill one
	// indirect block.
	ptrsPerSector = sectorSize / 4

	directCount = 8
	indirectIdx = 8
	doublyIdx   = 9

	// growthPhaseIndirect/growthPhaseDoubly are the two overloaded values
	// i_dir takes once every direct slot is filled: 8 while the singly
	// indirect block is being grown, 9 once it is full and the
	// doubly-indirect block is being grown. This mirrors the on-disk
	// growth-cursor encoding described in spec.md §4.E.
	growthPhaseIndirect = directCount
	growthPhaseDoubly   = directCount + 1

	maxDirectBytes   = directCount * sectorSize
	maxIndirectBytes = ptrsPerSector * sectorSize
	maxDoublyBytes   = ptrsPerSector * ptrsPerSector * sectorSize

	// MaxFileBytes is the true addressable maximum: 8 direct + 1x128
	// indirect + 1x128x128 doubly-indirect data sectors.
	MaxFileBytes = maxDirectBytes + maxIndirectBytes + maxDoublyBytes

	// inodeMagic identifies a valid on-disk inode structure.
	inodeMagic = 0x494E4F44
)

// RootSector is the well-known sector id of the filesystem root directory's
// inode, used to initialise a fresh inode's parent pointer.
const RootSector device.SectorID = 1

// onDiskInode is the exact byte-for-byte layout of one inode sector:
//
//	parent   u32
//	length   i32
//	magic    u32
//	padding  111 x u32
//	ptr      10 x u32
//	isdir    1 byte (+3 bytes padding)
//	i_dir    i32
//	i_indir  i32
//	i_doubly i32
//
// totalling exactly 512 bytes.
type onDiskInode struct {
	parent  device.SectorID
	length  int64 // stored on disk as i32; always within int32 range (cap ~8.46MB)
	magic   uint32
	ptr     [10]device.SectorID
	isDir   bool
	iDir    int
	iIndir  int
	iDoubly int
}

const (
	offParent  = 0
	offLength  = 4
	offMagic   = 8
	offPadding = 12
	paddingLen = 111 * 4
	offPtr     = offPadding + paddingLen // 456
	offIsDir   = offPtr + 10*4           // 496
	offIDir    = offIsDir + 4            // 500
	offIIndir  = offIDir + 4             // 504
	offIDoubly = offIIndir + 4           // 508
)

func encodeInode(in *onDiskInode, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}

	bo := binary.LittleEndian
	bo.PutUint32(buf[offParent:], uint32(in.parent))
	bo.PutUint32(buf[offLength:], uint32(int32(in.length)))
	bo.PutUint32(buf[offMagic:], in.magic)
	for i, p := range in.ptr {
		bo.PutUint32(buf[offPtr+i*4:], uint32(p))
	}
	if in.isDir {
		buf[offIsDir] = 1
	}
	bo.PutUint32(buf[offIDir:], uint32(int32(in.iDir)))
	bo.PutUint32(buf[offIIndir:], uint32(int32(in.iIndir)))
	bo.PutUint32(buf[offIDoubly:], uint32(int32(in.iDoubly)))
}

func decodeInode(buf []byte, out *onDiskInode) {
	bo := binary.LittleEndian
	out.parent = device.SectorID(bo.Uint32(buf[offParent:]))
	out.length = int64(int32(bo.Uint32(buf[offLength:])))
	out.magic = bo.Uint32(buf[offMagic:])
	for i := range out.ptr {
		out.ptr[i] = device.SectorID(bo.Uint32(buf[offPtr+i*4:]))
	}
	out.isDir = buf[offIsDir] != 0
	out.iDir = int(int32(bo.Uint32(buf[offIDir:])))
	out.iIndir = int(int32(bo.Uint32(buf[offIIndir:])))
	out.iDoubly = int(int32(bo.Uint32(buf[offIDoubly:])))
}

// indexBlock is an in-memory decoded indirect block: 128 sector ids.
type indexBlock [ptrsPerSector]device.SectorID

func encodeIndexBlock(block *indexBlock, buf []byte) {
	bo := binary.LittleEndian
	for i, id := range block {
		bo.PutUint32(buf[i*4:], uint32(id))
	}
}

func decodeIndexBlock(buf []byte, out *indexBlock) {
	bo := binary.LittleEndian
	for i := range out {
		out[i] = device.SectorID(bo.Uint32(buf[i*4:]))
	}
}
