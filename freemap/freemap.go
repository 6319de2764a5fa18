// Package freemap is the external free-sector allocator collaborator:
// allocate or release single sectors. This subsystem's core (cache, inode)
// only ever requests one sector at a time, so the Allocator interface
// mirrors that usage rather than the fuller count-based bitmap API a real
// free-map module would expose to the rest of a filesystem.
package freemap

import "github.com/coursework-os/filesys/device"

// Allocator allocates and releases single sectors. Allocate returns false
// (never an error) when the device is exhausted, matching spec's
// "silently absorbed" exhaustion semantics: growth callers detect
// exhaustion only via a short write.
type Allocator interface {
	Allocate() (device.SectorID, bool)
	Release(id device.SectorID)
}
