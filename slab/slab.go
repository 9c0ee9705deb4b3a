// Package slab implements a fixed-size object allocator layered on top of
// mem's page allocator, built around an index-based intrusive free list
// (an object's own first four bytes hold the next free index) instead of
// raw pointer splicing, since this module works through mem.DB-backed
// byte slices rather than addressable Go objects.
package slab

import (
	"encoding/binary"
	"fmt"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/sched"
)

// headerSize is the size reserved at the front of every slab page for its
// free-count and first-free-index header, 64-byte aligned to match the
// alignment the rest of this core gives its control structures.
const headerSize = 64

const noFree = -1

// Obj identifies one allocated object: the frame backing it and its byte
// offset within that frame.
type Obj struct {
	frame  uint32
	offset int
}

// Cache is a fixed-size object allocator for objects of exactly objSize
// bytes, backed by pages obtained from db and serialized by the
// slab-allocator token.
type Cache struct {
	objSize     int
	objsPerPage int
	k           *sched.Kernel
	db          *mem.DB

	partial []uint32 // frames with at least one free object
	full    []uint32 // frames with none
}

// NewCache returns a Cache for objects of objSize bytes. objSize must
// leave room for at least one object per 4-KiB page after the header.
func NewCache(k *sched.Kernel, db *mem.DB, objSize int) (*Cache, error) {
	if objSize < 4 {
		return nil, fmt.Errorf("slab: objSize %d too small to hold a free-list index", objSize)
	}
	const pageSize = 4096
	perPage := (pageSize - headerSize) / objSize
	if perPage < 1 {
		return nil, fmt.Errorf("slab: objSize %d leaves no room for an object after the page header", objSize)
	}
	return &Cache{objSize: objSize, objsPerPage: perPage, k: k, db: db}, nil
}

func readI32(b []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(b[off : off+4]))
}

func writeI32(b []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
}

func (c *Cache) initPage(frame uint32) {
	b := c.db.FrameBytes(frame)
	writeI32(b, 0, int32(c.objsPerPage))
	writeI32(b, 4, 0)
	for i := 0; i < c.objsPerPage; i++ {
		next := int32(i + 1)
		if i == c.objsPerPage-1 {
			next = noFree
		}
		writeI32(b, headerSize+i*c.objSize, next)
	}
}

func removeFrame(frames []uint32, target uint32) []uint32 {
	for i, f := range frames {
		if f == target {
			return append(frames[:i], frames[i+1:]...)
		}
	}
	return frames
}

// Alloc returns a fresh object whose bytes are not cleared (its first four
// bytes still hold a stale free-list index): callers own and must
// initialize every byte of the returned object themselves, as with any
// freshly allocated slab object.
func (c *Cache) Alloc(cpu *arch.CPU, self sched.Thread) Obj {
	granted := c.k.Acquire(cpu, self, defs.Token_slab)
	defer func() {
		if granted != 0 {
			c.k.Release(cpu, self, granted)
		}
	}()

	if len(c.partial) == 0 {
		frame := mem.PageAlloc(cpu, self, c.db, mem.SlabBacking, mem.Datum{})
		c.initPage(frame)
		c.partial = append(c.partial, frame)
	}

	frame := c.partial[len(c.partial)-1]
	hdr := c.db.FrameBytes(frame)
	firstFree := readI32(hdr, 4)
	objOff := headerSize + int(firstFree)*c.objSize
	nextFree := readI32(hdr, objOff)
	writeI32(hdr, 4, nextFree)
	freeCount := readI32(hdr, 0) - 1
	writeI32(hdr, 0, freeCount)

	if freeCount == 0 {
		c.partial = c.partial[:len(c.partial)-1]
		c.full = append(c.full, frame)
	}
	return Obj{frame: frame, offset: objOff}
}

// Bytes returns the backing bytes of o. Valid until the next Free of o.
func (c *Cache) Bytes(o Obj) []byte {
	return c.db.FrameBytes(o.frame)[o.offset : o.offset+c.objSize]
}

// Free returns o to its page's free list. If the page was full, it moves
// back to the partial list; if the page becomes entirely free, it is
// returned to the page allocator.
func (c *Cache) Free(cpu *arch.CPU, self sched.Thread, o Obj) {
	granted := c.k.Acquire(cpu, self, defs.Token_slab)
	defer func() {
		if granted != 0 {
			c.k.Release(cpu, self, granted)
		}
	}()

	hdr := c.db.FrameBytes(o.frame)
	idx := int32((o.offset - headerSize) / c.objSize)
	oldFirst := readI32(hdr, 4)
	writeI32(hdr, o.offset, oldFirst)
	writeI32(hdr, 4, idx)
	freeCount := readI32(hdr, 0) + 1
	writeI32(hdr, 0, freeCount)

	if freeCount == 1 {
		c.full = removeFrame(c.full, o.frame)
		c.partial = append(c.partial, o.frame)
	}
	if int(freeCount) == c.objsPerPage {
		c.partial = removeFrame(c.partial, o.frame)
		mem.PageFree(cpu, self, c.db, o.frame)
	}
}

// ObjSize reports the fixed object size this cache hands out.
func (c *Cache) ObjSize() int { return c.objSize }

// ObjsPerPage reports how many objects fit on one backing page.
func (c *Cache) ObjsPerPage() int { return c.objsPerPage }
