package freemap

import (
	"sync"

	"github.com/coursework-os/filesys/device"
)

// BitmapAllocator is a reference Allocator backed by an in-memory bitmap
// over a contiguous sector range. Sectors in [0, reserved) are assumed to
// be used by the filesystem's fixed metadata (e.g. the root inode) and are
// never handed out.
type BitmapAllocator struct {
	mu       sync.Mutex
	bits     []bool // true = allocated
	reserved device.SectorID
	next     device.SectorID // next candidate, for round-robin scanning
}

// NewBitmapAllocator returns an allocator covering [0, count) sectors, with
// sectors below reserved pre-marked as allocated.
func NewBitmapAllocator(count, reserved device.SectorID) *BitmapAllocator {
	a := &BitmapAllocator{
		bits:     make([]bool, count),
		reserved: reserved,
		next:     reserved,
	}
	for i := device.SectorID(0); i < reserved && int(i) < len(a.bits); i++ {
		a.bits[i] = true
	}
	return a
}

func (a *BitmapAllocator) Allocate() (device.SectorID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := device.SectorID(len(a.bits))
	if n == 0 {
		return 0, false
	}

	for i := device.SectorID(0); i < n; i++ {
		candidate := (a.next + i) % n
		if candidate < a.reserved {
			continue
		}
		if !a.bits[candidate] {
			a.bits[candidate] = true
			a.next = candidate + 1
			return candidate, true
		}
	}

	return 0, false
}

func (a *BitmapAllocator) Release(id device.SectorID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(id) >= len(a.bits) {
		return
	}
	a.bits[id] = false
}
