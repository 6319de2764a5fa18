// Package cache implements the buffer cache interposed between the inode
// engine and the raw block device: a bounded resident set of sector-sized
// slots with approximate-LRU (second-chance) eviction, pin counts, and
// write-back persistence.
package cache

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/coursework-os/filesys/device"
	"github.com/coursework-os/filesys/internal/clock"
	"github.com/coursework-os/filesys/internal/logger"
	"github.com/coursework-os/filesys/internal/metrics"
)

// DefaultCapacity is the fixed resident-set size spec.md requires.
const DefaultCapacity = 64

// slot is one resident buffer-cache entry.
type slot struct {
	sector   device.SectorID
	payload  [device.SectorSize]byte
	dirty    bool
	accessed bool
	pinCount int
}

// SlotRef is a pinned reference to a resident slot, returned by Pin and
// required by Unpin. Its Payload must only be touched by the holder; it is
// backed by the slot's own buffer, so writes are visible to every other
// pinner of the same sector immediately.
type SlotRef struct {
	slot *slot
}

// Sector returns the sector id this reference is pinned to.
func (r *SlotRef) Sector() device.SectorID { return r.slot.sector }

// Payload returns the slot's 512-byte buffer.
func (r *SlotRef) Payload() []byte { return r.slot.payload[:] }

// Options configures NewCache's optional background flush loop.
type Options struct {
	// Clock drives the flush loop's timer; if nil, no flush loop is started
	// and the caller is responsible for calling FlushAll periodically.
	Clock clock.Clock

	// FlushInterval is how long the flush loop sleeps between FlushAll(false)
	// calls. spec.md specifies 5x the timer-tick frequency.
	FlushInterval time.Duration

	// Metrics, if non-nil, receives pin/eviction/flush counters.
	Metrics *metrics.Registry
}

// Cache is the buffer cache. The zero value is not usable; use NewCache.
type Cache struct {
	mu syncutil.InvariantMutex // GUARDS everything below

	dev      device.Device
	capacity int
	slots    []*slot
	index    map[device.SectorID]*slot
	hand     int // second-chance clock position into slots

	metrics *metrics.Registry

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCache builds a Cache over dev with the given resident-slot capacity
// (DefaultCapacity if capacity <= 0). If opts specifies a Clock and a
// positive FlushInterval, a background goroutine periodically flushes
// dirty slots; call Stop to shut it down.
func NewCache(dev device.Device, capacity int, opts Options) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	c := &Cache{
		dev:      dev,
		capacity: capacity,
		index:    make(map[device.SectorID]*slot, capacity),
		metrics:  opts.Metrics,
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)

	if opts.Clock != nil && opts.FlushInterval > 0 {
		c.stopCh = make(chan struct{})
		c.doneCh = make(chan struct{})
		go c.flushLoop(opts.Clock, opts.FlushInterval)
	}

	return c
}

// checkInvariants enforces cache uniqueness and the resident-set bound.
// Invoked by syncutil.InvariantMutex around every Lock/Unlock pair when
// syncutil's invariant checking is enabled, and always by CheckInvariants.
func (c *Cache) checkInvariants() {
	if len(c.slots) > c.capacity {
		panic(fmt.Sprintf("cache: resident set %d exceeds capacity %d", len(c.slots), c.capacity))
	}

	seen := make(map[device.SectorID]struct{}, len(c.slots))
	for _, s := range c.slots {
		if _, dup := seen[s.sector]; dup {
			panic(fmt.Sprintf("cache: sector %d resident twice", s.sector))
		}
		seen[s.sector] = struct{}{}

		if got := c.index[s.sector]; got != s {
			panic(fmt.Sprintf("cache: index out of sync for sector %d", s.sector))
		}
	}
}

// CheckInvariants is exposed for tests that want to assert the cache's
// internal invariants hold at a particular point. It runs the check under
// the lock whether or not syncutil's invariant checking is enabled.
func (c *Cache) CheckInvariants() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkInvariants()
}

// Resident reports whether id currently occupies a slot, without pinning
// it or disturbing its accessed bit. Intended for tests.
func (c *Cache) Resident(id device.SectorID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// maxPinAttempts bounds the busy-wait spin Pin does while every slot is
// pinned. The source this is adapted from retries forever; we surface
// ErrExhausted instead of spinning indefinitely, on the recommendation
// that an unrecoverable allocation failure become a caller-visible error
// rather than a panic or a livelock.
const maxPinAttempts = 10000

// ErrExhausted is returned by Pin when every resident slot stays pinned
// across maxPinAttempts retries, leaving no slot to evict or grow into.
var ErrExhausted = errors.New("cache: resident set exhausted, every slot pinned")

// Pin returns a pinned reference to sector id, loading it from the device
// on a miss. On a hit, dirtyHint is OR'd into the slot's dirty bit and its
// pin count is bumped; on a miss, a slot is installed (growing the
// resident set while under capacity, otherwise evicting via second-chance)
// and loaded from dev.
func (c *Cache) Pin(id device.SectorID, dirtyHint bool) (*SlotRef, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()

		if s, ok := c.index[id]; ok {
			s.pinCount++
			s.dirty = s.dirty || dirtyHint
			s.accessed = true
			c.mu.Unlock()
			c.metrics.IncPinHit()
			return &SlotRef{slot: s}, nil
		}

		s := c.acquireSlotLocked()
		if s == nil {
			// Every slot is pinned; nothing to evict and no room to grow.
			// Drop the lock and let the holders make progress.
			c.mu.Unlock()
			if attempt >= maxPinAttempts {
				c.metrics.IncOOMFatal()
				return nil, ErrExhausted
			}
			runtime.Gosched()
			continue
		}

		s.sector = id
		s.dirty = dirtyHint
		s.accessed = true
		s.pinCount = 1
		c.index[id] = s

		// Release the lock across the device read; pin_count is already
		// raised, so no other pinner can believe this slot is free, and no
		// other Pin(id) can race in because the index entry is in place.
		c.mu.Unlock()

		if err := c.dev.ReadSector(id, s.payload[:]); err != nil {
			c.mu.Lock()
			delete(c.index, id)
			s.pinCount = 0
			// Drop the slot from the resident set too, so no slot is left
			// holding a sector id that the index does not know about.
			for i, other := range c.slots {
				if other == s {
					c.slots = append(c.slots[:i], c.slots[i+1:]...)
					if c.hand > i {
						c.hand--
					}
					break
				}
			}
			if c.hand >= len(c.slots) {
				c.hand = 0
			}
			c.mu.Unlock()
			return nil, fmt.Errorf("cache: loading sector %d: %w", id, err)
		}

		c.metrics.IncPinMiss()
		return &SlotRef{slot: s}, nil
	}
}

// acquireSlotLocked returns a slot ready to be repurposed for a new sector,
// called with c.mu held. It either grows the resident set (while under
// capacity) or runs a second-chance eviction scan. Returns nil if the
// resident set is full and every slot is pinned.
func (c *Cache) acquireSlotLocked() *slot {
	if len(c.slots) < c.capacity {
		s := &slot{}
		c.slots = append(c.slots, s)
		return s
	}

	n := len(c.slots)
	if n == 0 {
		return nil
	}

	// At most two full passes: the first clears every accessed bit on
	// unpinned slots, the second evicts whichever has had its second chance.
	for scanned := 0; scanned < 2*n; scanned++ {
		idx := c.hand
		c.hand = (c.hand + 1) % n
		s := c.slots[idx]

		if s.pinCount > 0 {
			continue
		}
		if s.accessed {
			s.accessed = false
			continue
		}

		if s.dirty {
			if err := c.writeBackLocked(s); err != nil {
				logger.L().Error("cache: write-back during eviction failed", "sector", s.sector, "error", err)
			}
		}

		delete(c.index, s.sector)
		c.metrics.IncEviction()
		return s
	}

	return nil
}

// Unpin decrements the pin count of a previously pinned slot and ORs
// dirtyHint into its dirty bit. No eviction is triggered by Unpin.
func (c *Cache) Unpin(ref *SlotRef, dirtyHint bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref.slot.dirty = ref.slot.dirty || dirtyHint
	if ref.slot.pinCount > 0 {
		ref.slot.pinCount--
	}
}

// FlushAll writes every dirty slot back to the device and clears their
// dirty bits. If clear is true, every slot is also evicted (used at
// filesystem shutdown).
func (c *Cache) FlushAll(clear bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	flushed := 0
	for _, s := range c.slots {
		if !s.dirty {
			continue
		}
		flushed++
		if err := c.writeBackLocked(s); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cache: flushing sector %d: %w", s.sector, err)
		}
	}
	c.metrics.AddFlushes(flushed)

	if clear {
		c.slots = c.slots[:0]
		c.index = make(map[device.SectorID]*slot, c.capacity)
		c.hand = 0
	}

	return firstErr
}

// writeBackLocked writes s's payload to the device and clears dirty on
// success. Called with c.mu held.
func (c *Cache) writeBackLocked(s *slot) error {
	if err := c.dev.WriteSector(s.sector, s.payload[:]); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// flushLoop is the dedicated background task: sleep for interval, then
// flush every dirty slot without evicting.
func (c *Cache) flushLoop(clk clock.Clock, interval time.Duration) {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case <-clk.After(interval):
			if err := c.FlushAll(false); err != nil {
				logger.L().Warn("cache: periodic flush failed", "error", err)
			}
		}
	}
}

// Stop halts the background flush loop, if one was started, and waits for
// it to exit. It does not flush; call FlushAll(true) first if a clean
// shutdown is desired.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}
