// Package inode implements the indexed file-block map: an on-disk inode
// format with direct, singly-indirect, and doubly-indirect pointers, and
// the open-inode registry, growth, and deallocation machinery layered over
// a device.Device and a buffer cache.Cache.
package inode

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/coursework-os/filesys/cache"
	"github.com/coursework-os/filesys/device"
	"github.com/coursework-os/filesys/freemap"
	"github.com/coursework-os/filesys/internal/metrics"
)

// Engine is the process-wide inode registry plus the byte-to-sector
// translation, growth, and deallocation logic. One Engine is normally
// constructed per mounted filesystem.
type Engine struct {
	dev     device.Device
	cache   *cache.Cache
	free    freemap.Allocator
	metrics *metrics.Registry

	mu       syncutil.InvariantMutex // GUARDS registry and every Inode's bookkeeping fields below
	registry map[device.SectorID]*Inode
}

// NewEngine builds an Engine. dev is used only for raw inode-sector reads
// and writes; cache is used for all data-sector and (per spec.md §4.E's
// recommendation) index-block access, during growth and deallocation as
// well as from the read/write path.
func NewEngine(dev device.Device, c *cache.Cache, free freemap.Allocator, m *metrics.Registry) *Engine {
	e := &Engine{
		dev:      dev,
		cache:    c,
		free:     free,
		metrics:  m,
		registry: make(map[device.SectorID]*Inode),
	}
	e.mu = syncutil.NewInvariantMutex(e.checkInvariants)
	return e
}

// Init performs one-time module setup. Construction already does
// everything NewEngine needs; this exists only to mirror spec.md §6's
// inode_init() entry point for callers migrating from that interface.
func (e *Engine) Init() {}

func (e *Engine) checkInvariants() {
	for id, in := range e.registry {
		if in.sectorID != id {
			panic(fmt.Sprintf("inode: registry key %d does not match inode sector %d", id, in.sectorID))
		}
		if in.openCount <= 0 {
			panic(fmt.Sprintf("inode: registry holds sector %d with non-positive open count", id))
		}
	}
}

// Create allocates and initialises a new inode at sectorID: length bytes
// of storage (clamped to MaxFileBytes), growing the same way Open-then-
// WriteAt would, then writes the inode sector. If the free-map could not
// satisfy the full request, the inode is still written with whatever was
// allocated and a wrapped ErrNoSpace is returned.
func (e *Engine) Create(sectorID device.SectorID, length int64, isDir bool) error {
	if length > MaxFileBytes {
		length = MaxFileBytes
	}

	disk := onDiskInode{magic: inodeMagic, isDir: isDir, parent: RootSector}

	var achieved int64
	if length > 0 {
		var err error
		achieved, err = e.expand(&disk, length)
		if err != nil {
			return fmt.Errorf("inode: create %d: %w", sectorID, err)
		}
	}
	disk.length = achieved

	if err := e.writeInode(sectorID, disk); err != nil {
		return fmt.Errorf("inode: create %d: %w", sectorID, err)
	}

	if achieved < length {
		e.metrics.IncGrowthShort()
		return fmt.Errorf("%w: wanted %d bytes, got %d", ErrNoSpace, length, achieved)
	}
	return nil
}

// Open returns the live Inode for sectorID, bumping its open count if
// already registered, or loading it from disk otherwise. Returns
// ErrCorruptInode if the sector's magic number doesn't match.
func (e *Engine) Open(sectorID device.SectorID) (*Inode, error) {
	e.mu.Lock()
	if in, ok := e.registry[sectorID]; ok {
		in.openCount++
		e.mu.Unlock()
		e.metrics.SetOpenCount(len(e.registry))
		return in, nil
	}
	e.mu.Unlock()

	disk, err := e.readInode(sectorID)
	if err != nil {
		return nil, fmt.Errorf("inode: open %d: %w", sectorID, err)
	}
	if disk.magic != inodeMagic {
		e.metrics.IncCorruptOpen()
		return nil, fmt.Errorf("%w: sector %d", ErrCorruptInode, sectorID)
	}

	in := &Inode{
		engine:    e,
		sectorID:  sectorID,
		isDir:     disk.isDir,
		disk:      disk,
		openCount: 1,
	}
	in.mu = syncutil.NewInvariantMutex(in.checkInvariants)
	in.readLength.Store(disk.length)

	e.mu.Lock()
	if existing, ok := e.registry[sectorID]; ok {
		// Lost a race with a concurrent Open of the same sector.
		existing.openCount++
		e.mu.Unlock()
		e.metrics.SetOpenCount(len(e.registry))
		return existing, nil
	}
	e.registry[sectorID] = in
	count := len(e.registry)
	e.mu.Unlock()
	e.metrics.SetOpenCount(count)

	return in, nil
}

func (e *Engine) readInode(id device.SectorID) (onDiskInode, error) {
	var buf [sectorSize]byte
	if err := e.dev.ReadSector(id, buf[:]); err != nil {
		return onDiskInode{}, err
	}
	var disk onDiskInode
	decodeInode(buf[:], &disk)
	return disk, nil
}

func (e *Engine) writeInode(id device.SectorID, disk onDiskInode) error {
	var buf [sectorSize]byte
	encodeInode(&disk, buf[:])
	return e.dev.WriteSector(id, buf[:])
}

// readIndexBlock loads a 128-entry indirect block through the buffer
// cache, avoiding a raw device re-read of hot index blocks (spec.md
// §4.E's SHOULD-recommendation; safe because index blocks are only ever
// written during growth/deallocation).
func (e *Engine) readIndexBlock(id device.SectorID) (indexBlock, error) {
	var out indexBlock
	ref, err := e.cache.Pin(id, false)
	if err != nil {
		return out, err
	}
	decodeIndexBlock(ref.Payload(), &out)
	e.cache.Unpin(ref, false)
	return out, nil
}

func (e *Engine) writeIndexBlock(id device.SectorID, block *indexBlock) error {
	ref, err := e.cache.Pin(id, true)
	if err != nil {
		return err
	}
	encodeIndexBlock(block, ref.Payload())
	e.cache.Unpin(ref, true)
	return nil
}

// zeroSector fills a newly allocated data sector with zeros through the
// cache, satisfying spec.md's zero-fill-before-visible guarantee without
// forcing an immediate device write.
func (e *Engine) zeroSector(id device.SectorID) error {
	ref, err := e.cache.Pin(id, true)
	if err != nil {
		return err
	}
	p := ref.Payload()
	for i := range p {
		p[i] = 0
	}
	e.cache.Unpin(ref, true)
	return nil
}

// translate computes the physical sector holding the byte at pos, walking
// the direct/singly-indirect/doubly-indirect index exactly as spec.md
// §4.E describes.
func (e *Engine) translate(disk *onDiskInode, pos int64) (device.SectorID, error) {
	sectorIdx := pos / sectorSize

	if sectorIdx < directCount {
		return disk.ptr[sectorIdx], nil
	}

	if sectorIdx < directCount+ptrsPerSector {
		idx := sectorIdx - directCount
		block, err := e.readIndexBlock(disk.ptr[indirectIdx])
		if err != nil {
			return 0, err
		}
		return block[idx], nil
	}

	rem := sectorIdx - directCount - ptrsPerSector
	outerIdx := rem / ptrsPerSector
	innerIdx := rem % ptrsPerSector

	outer, err := e.readIndexBlock(disk.ptr[doublyIdx])
	if err != nil {
		return 0, err
	}
	inner, err := e.readIndexBlock(outer[outerIdx])
	if err != nil {
		return 0, err
	}
	return inner[innerIdx], nil
}

// sectorsAllocated reports how many data sectors disk's growth cursors
// say have been allocated so far.
func sectorsAllocated(disk *onDiskInode) int64 {
	switch {
	case disk.iDir < growthPhaseIndirect:
		return int64(disk.iDir)
	case disk.iDir == growthPhaseIndirect:
		return directCount + int64(disk.iIndir)
	default:
		return directCount + ptrsPerSector + int64(disk.iIndir)*ptrsPerSector + int64(disk.iDoubly)
	}
}

// expand extends disk's allocation to cover newLength bytes, resuming from
// its persisted growth cursors. It returns the achieved length, which is
// less than newLength only if the free-map was exhausted partway through
// or a sector read/write failed (in which case that error is returned as
// well). Growth is not transactional: partial allocations persist.
func (e *Engine) expand(disk *onDiskInode, newLength int64) (int64, error) {
	if newLength > MaxFileBytes {
		newLength = MaxFileBytes
	}

	target := (newLength + sectorSize - 1) / sectorSize
	remaining := target - sectorsAllocated(disk)
	if remaining <= 0 {
		return newLength, nil
	}

	// Phase 1: direct pointers.
	for disk.iDir < directCount && remaining > 0 {
		id, ok := e.free.Allocate()
		if !ok {
			return finishShort(disk), nil
		}
		if err := e.zeroSector(id); err != nil {
			return finishShort(disk), err
		}
		disk.ptr[disk.iDir] = id
		disk.iDir++
		remaining--
	}

	// Phase 2: singly-indirect block.
	if disk.iDir == growthPhaseIndirect && remaining > 0 {
		var block indexBlock
		if disk.iIndir == 0 {
			id, ok := e.free.Allocate()
			if !ok {
				return finishShort(disk), nil
			}
			disk.ptr[indirectIdx] = id
		} else {
			var err error
			block, err = e.readIndexBlock(disk.ptr[indirectIdx])
			if err != nil {
				return finishShort(disk), err
			}
		}

		for disk.iIndir < ptrsPerSector && remaining > 0 {
			id, ok := e.free.Allocate()
			if !ok {
				if err := e.writeIndexBlock(disk.ptr[indirectIdx], &block); err != nil {
					return finishShort(disk), err
				}
				return finishShort(disk), nil
			}
			if err := e.zeroSector(id); err != nil {
				return finishShort(disk), err
			}
			block[disk.iIndir] = id
			disk.iIndir++
			remaining--
		}

		if err := e.writeIndexBlock(disk.ptr[indirectIdx], &block); err != nil {
			return finishShort(disk), err
		}

		if disk.iIndir == ptrsPerSector {
			disk.iIndir = 0
			disk.iDir = growthPhaseDoubly
		}
	}

	// Phase 3: doubly-indirect block.
	if disk.iDir == growthPhaseDoubly && remaining > 0 {
		var outer indexBlock
		if disk.iIndir == 0 && disk.iDoubly == 0 {
			id, ok := e.free.Allocate()
			if !ok {
				return finishShort(disk), nil
			}
			disk.ptr[doublyIdx] = id
		} else {
			var err error
			outer, err = e.readIndexBlock(disk.ptr[doublyIdx])
			if err != nil {
				return finishShort(disk), err
			}
		}

		for disk.iIndir < ptrsPerSector && remaining > 0 {
			var inner indexBlock
			if disk.iDoubly == 0 {
				id, ok := e.free.Allocate()
				if !ok {
					if err := e.writeIndexBlock(disk.ptr[doublyIdx], &outer); err != nil {
						return finishShort(disk), err
					}
					return finishShort(disk), nil
				}
				outer[disk.iIndir] = id
			} else {
				var err error
				inner, err = e.readIndexBlock(outer[disk.iIndir])
				if err != nil {
					return finishShort(disk), err
				}
			}

			for disk.iDoubly < ptrsPerSector && remaining > 0 {
				id, ok := e.free.Allocate()
				if !ok {
					if err := e.writeIndexBlock(outer[disk.iIndir], &inner); err != nil {
						return finishShort(disk), err
					}
					if err := e.writeIndexBlock(disk.ptr[doublyIdx], &outer); err != nil {
						return finishShort(disk), err
					}
					return finishShort(disk), nil
				}
				if err := e.zeroSector(id); err != nil {
					return finishShort(disk), err
				}
				inner[disk.iDoubly] = id
				disk.iDoubly++
				remaining--
			}

			if err := e.writeIndexBlock(outer[disk.iIndir], &inner); err != nil {
				return finishShort(disk), err
			}

			if disk.iDoubly == ptrsPerSector {
				disk.iDoubly = 0
				disk.iIndir++
			}
		}

		if err := e.writeIndexBlock(disk.ptr[doublyIdx], &outer); err != nil {
			return finishShort(disk), err
		}
	}

	return newLength, nil
}

func finishShort(disk *onDiskInode) int64 {
	return sectorsAllocated(disk) * sectorSize
}

// dealloc releases every data and index sector reachable from disk's
// growth cursors, in direct/indirect/doubly-indirect order. It walks the
// cursors rather than recomputing coverage from length, since the
// cursors are the authoritative record of what was actually allocated
// (relevant when a prior growth call returned short).
func (e *Engine) dealloc(disk *onDiskInode) {
	directN := disk.iDir
	if directN > directCount {
		directN = directCount
	}
	for i := 0; i < directN; i++ {
		e.free.Release(disk.ptr[i])
	}

	if disk.iDir < growthPhaseIndirect {
		return
	}

	indirectCount := 0
	switch disk.iDir {
	case growthPhaseIndirect:
		indirectCount = disk.iIndir
	case growthPhaseDoubly:
		indirectCount = ptrsPerSector
	}

	if block, err := e.readIndexBlock(disk.ptr[indirectIdx]); err == nil {
		for i := 0; i < indirectCount; i++ {
			e.free.Release(block[i])
		}
	}
	e.free.Release(disk.ptr[indirectIdx])

	if disk.iDir != growthPhaseDoubly {
		return
	}

	outer, err := e.readIndexBlock(disk.ptr[doublyIdx])
	if err != nil {
		return
	}

	for i := 0; i < ptrsPerSector; i++ {
		if i > disk.iIndir {
			break
		}

		innerLimit := ptrsPerSector
		if i == disk.iIndir {
			innerLimit = disk.iDoubly
			if innerLimit == 0 {
				continue
			}
		}

		inner, err := e.readIndexBlock(outer[i])
		if err != nil {
			continue
		}
		for j := 0; j < innerLimit; j++ {
			e.free.Release(inner[j])
		}
		e.free.Release(outer[i])
	}

	e.free.Release(disk.ptr[doublyIdx])
}
