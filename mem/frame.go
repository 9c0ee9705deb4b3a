package mem

import (
	"unsafe"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/diag"
	"novakernel/sched"
	"novakernel/util"
)

const frameSize = 4096

// frameDBReservedFrames is the small constant number of frames PageInit
// charges to frame-database bookkeeping, reserved just past the kernel
// image.
const frameDBReservedFrames = 4

// Tag classifies one physical frame's current role under a
// single-owner-datum model: a frame has exactly one tag and, where that
// tag implies an owner, exactly one owning datum, never a count of
// sharers.
type Tag int

const (
	Unknown Tag = iota
	Unavailable
	Free
	KernelImage
	FrameDBBacking
	PageTableBacking
	Anonymous
	SlabBacking
)

// Datum records the owner of a non-free frame. Which fields are
// meaningful depends on the frame's Tag: Anonymous frames carry Pid and
// VAddr (whose address space and virtual page they back); PageTableBacking
// frames carry only the owning Pid; SlabBacking frames carry neither.
type Datum struct {
	Pid   defs.Pid_t
	VAddr uintptr
}

type frameEntry struct {
	tag   Tag
	datum Datum
	next  uint32 // free-list link; sentinel = freeNil
}

const freeNil = ^uint32(0)

// Region describes one entry of a firmware-provided memory map: a byte
// range that is either usable RAM or reserved.
type Region struct {
	Base   uintptr
	Length uintptr
	Usable bool
}

// DB is the frame database: one entry per physical page frame up to the
// highest usable page the memory map reports, plus the free list threaded
// through those entries.
type DB struct {
	entries   []frameEntry
	freeHead  uint32
	freeCount int

	k     *sched.Kernel
	arena *Arena
}

func frameOf(addr uintptr) uint32 {
	return uint32(addr / frameSize)
}

// PageInit builds a frame database sized to the highest usable page named
// by memMap, marks every frame in a usable region Free except frame 0
// (always reserved Unavailable, regardless of what the memory map claims),
// tags the frames spanned by kernelImage and the frame database's own
// backing store, and threads the remaining usable frames onto the free
// list. Usable regions are rounded inward to whole frames and unavailable
// regions outward; where the two overlap, unavailable wins. It panics via
// diag.Panic if the memory map implies more frames than MaxPhysGiB allows
// — an impossible configuration for this design.
func PageInit(k *sched.Kernel, memMap []Region, kernelImage Region) *DB {
	var highest uintptr
	for _, r := range memMap {
		if !r.Usable {
			continue
		}
		end := util.Rounddown(r.Base+r.Length, frameSize)
		if end > highest {
			highest = end
		}
	}
	nframes := frameOf(highest)
	maxFrames := uint32(defs.MaxPhysGiB << 30 / frameSize)
	if nframes > maxFrames {
		diag.Panic("mem: memory map implies more physical frames than this design supports")
	}

	db := &DB{
		entries:  make([]frameEntry, nframes),
		freeHead: freeNil,
		k:        k,
	}
	for i := range db.entries {
		db.entries[i].tag = Unavailable
	}

	for _, r := range memMap {
		if !r.Usable {
			continue
		}
		start := frameOf(util.Roundup(r.Base, frameSize))
		end := frameOf(util.Rounddown(r.Base+r.Length, frameSize))
		for f := start; f < end && int(f) < len(db.entries); f++ {
			db.entries[f].tag = Free
		}
	}
	for _, r := range memMap {
		if r.Usable || r.Length == 0 {
			continue
		}
		start := frameOf(util.Rounddown(r.Base, frameSize))
		end := frameOf(util.Roundup(r.Base+r.Length, frameSize))
		for f := start; f < end && int(f) < len(db.entries); f++ {
			db.entries[f].tag = Unavailable
		}
	}
	if len(db.entries) > 0 {
		db.entries[0].tag = Unavailable
	}

	tagRange(db, kernelImage, KernelImage)

	// The frame database's own bookkeeping (db.entries) lives in the host
	// process's ordinary Go heap, not in the simulated physical arena, so
	// there is no real frame address to charge it against. When a kernel
	// image is present, this reserves a small constant number of frames
	// immediately past it instead, standing in for the handful of frames
	// a from-scratch page-table/bookkeeping allocation would consume at
	// boot; harnesses with no kernel image (most unit tests) skip this
	// reservation entirely.
	if kernelImage.Length > 0 {
		dbReserveStart := frameOf(kernelImage.Base + kernelImage.Length)
		dbReserveEnd := dbReserveStart + frameDBReservedFrames
		for f := dbReserveStart; f < dbReserveEnd && int(f) < len(db.entries); f++ {
			if db.entries[f].tag == Free {
				db.entries[f].tag = FrameDBBacking
			}
		}
	}

	for f := len(db.entries) - 1; f >= 0; f-- {
		if db.entries[f].tag == Free {
			db.entries[f].next = db.freeHead
			db.freeHead = uint32(f)
			db.freeCount++
		}
	}
	return db
}

func tagRange(db *DB, r Region, tag Tag) {
	if r.Length == 0 {
		return
	}
	start := frameOf(r.Base)
	end := frameOf(r.Base + r.Length - 1)
	for f := start; f <= end && int(f) < len(db.entries); f++ {
		db.entries[f].tag = tag
	}
}

// freeChan is the rendezvous page_alloc callers sleep on while the free
// list is empty, and page_free wakes on every successful free — the
// address of the database's own free-count counter.
func (db *DB) freeChan() sched.Chan {
	return sched.AddrChan(unsafe.Pointer(&db.freeCount))
}

// PageAlloc acquires the page-allocator token, blocks while the free list
// is empty, pops one frame, tags it tag with owner datum, and returns its
// frame number.
func PageAlloc(cpu *arch.CPU, self sched.Thread, db *DB, tag Tag, datum Datum) uint32 {
	granted := db.k.Acquire(cpu, self, defs.Token_page)
	for db.freeCount == 0 {
		db.k.Sleep(cpu, self, db.freeChan(), flagPageWait)
	}
	f := db.freeHead
	db.freeHead = db.entries[f].next
	db.freeCount--
	db.entries[f].tag = tag
	db.entries[f].datum = datum
	if granted != 0 {
		db.k.Release(cpu, self, granted)
	}
	return f
}

// PageFree retags frame as Free, pushes it onto the free list, and wakes
// every process waiting on the free-count channel.
func PageFree(cpu *arch.CPU, self sched.Thread, db *DB, frame uint32) {
	granted := db.k.Acquire(cpu, self, defs.Token_page)
	if db.entries[frame].tag == Free {
		diag.Panic("mem: double free of physical frame")
	}
	db.entries[frame].tag = Free
	db.entries[frame].datum = Datum{}
	db.entries[frame].next = db.freeHead
	db.freeHead = frame
	db.freeCount++
	db.k.Wakeup(cpu, db.freeChan())
	if granted != 0 {
		db.k.Release(cpu, self, granted)
	}
}

// flagPageWait marks a process sleeping for a free physical frame.
const flagPageWait sched.Flag = 1 << 0

// Stats summarizes the frame database's current tag distribution:
// totals broken down the way a kernel boot banner reports
// pmapsz/kernel/pmap/free counts.
type Stats struct {
	Total       int
	Kernel      int
	PageTable   int
	FrameDB     int
	Free        int
	Anonymous   int
	SlabBacking int
	Unavailable int
}

// StatsOf computes a Stats snapshot by scanning the frame database. It
// takes no token: callers that need a consistent snapshot under
// concurrent allocation must Acquire Token_page themselves first.
func StatsOf(db *DB) Stats {
	var s Stats
	s.Total = len(db.entries)
	for _, e := range db.entries {
		switch e.tag {
		case KernelImage:
			s.Kernel++
		case PageTableBacking:
			s.PageTable++
		case FrameDBBacking:
			s.FrameDB++
		case Free:
			s.Free++
		case Anonymous:
			s.Anonymous++
		case SlabBacking:
			s.SlabBacking++
		case Unavailable:
			s.Unavailable++
		}
	}
	return s
}

// TagOf reports the current tag of frame, for diagnostics and tests.
func TagOf(db *DB, frame uint32) Tag {
	return db.entries[frame].tag
}

// AttachArena binds the byte-addressable backing store frames' contents
// live in. PageInit builds the metadata-only frame database; callers that
// also need to read and write frame contents (the page-table walker, the
// slab allocator) attach an Arena sized to cover at least len(entries)
// frames.
func (db *DB) AttachArena(a *Arena) {
	db.arena = a
}

// FrameBytes returns the frameSize-byte slice backing frame's contents.
// It panics if no arena has been attached.
func (db *DB) FrameBytes(frame uint32) []byte {
	if db.arena == nil {
		diag.Panic("mem: FrameBytes called with no arena attached")
	}
	return db.arena.At(int(frame)*frameSize, frameSize)
}

// NFrames reports the size of the frame database.
func (db *DB) NFrames() int {
	return len(db.entries)
}
