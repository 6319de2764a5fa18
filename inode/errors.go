package inode

import "errors"

// ErrCorruptInode is returned by Open when a sector's magic number does not
// match the expected inode structure. The source this module was adapted
// from never checked this; spec.md §9 recommends rejecting it.
var ErrCorruptInode = errors.New("inode: magic number mismatch")

// ErrNoSpace is returned (wrapped with the requested/achieved byte counts)
// by Create when the free-map could not satisfy the full requested length.
// The inode sector is still written with whatever was allocated.
var ErrNoSpace = errors.New("inode: free-map exhausted during growth")
