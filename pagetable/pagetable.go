// Package pagetable implements the four-level x86-64 page-table walker
// as a standalone walker over mem.DB-backed frames, independent of any
// virtual-memory-area bookkeeping (which is out of this core's scope).
package pagetable

import (
	"fmt"
	"unsafe"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/sched"
)

// PTE flag bits (Intel SDM vol. 3A, table 4-19/4-20).
const (
	PteP   uint64 = 1 << 0 // present
	PteW   uint64 = 1 << 1 // writable
	PteU   uint64 = 1 << 2 // user-accessible
	PtePWT uint64 = 1 << 3
	PtePCD uint64 = 1 << 4
	PteA   uint64 = 1 << 5 // accessed
	PteD   uint64 = 1 << 6 // dirty (leaf only)
	PtePS  uint64 = 1 << 7 // page size (2-MiB leaf at the PD level)
	PteG   uint64 = 1 << 8 // global

	PteAddrMask uint64 = 0x000ffffffffff000
)

const frameSizeU64 = 4096

// Pmap is one process's root page-table: the physical frame number backing
// its PML4 table, plus the frame database it allocates table pages from.
// Every table page the walk allocates is recorded in tables so the owning
// process's teardown can hand them all back without re-walking the tree.
type Pmap struct {
	root   uint32
	db     *mem.DB
	owner  defs.Pid_t
	tables []uint32
}

func (pm *Pmap) allocTable(cpu *arch.CPU, self sched.Thread) uint32 {
	f := mem.PageAlloc(cpu, self, pm.db, mem.PageTableBacking, mem.Datum{Pid: pm.owner})
	zeroFrame(pm.db, f)
	pm.tables = append(pm.tables, f)
	return f
}

// TablePages returns the frame numbers of every page-table page this
// address space has allocated, root included.
func (pm *Pmap) TablePages() []uint32 { return pm.tables }

func zeroFrame(db *mem.DB, frame uint32) {
	b := db.FrameBytes(frame)
	for i := range b {
		b[i] = 0
	}
}

func tableAt(db *mem.DB, frame uint32) []uint64 {
	b := db.FrameBytes(frame)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// NewPmap allocates and zeroes a fresh PML4 table, owned by self's pid.
func NewPmap(cpu *arch.CPU, self sched.Thread, db *mem.DB) *Pmap {
	pm := &Pmap{db: db, owner: self.Pid()}
	pm.root = pm.allocTable(cpu, self)
	return pm
}

// Root returns the PML4 table's physical frame number, the value CR3
// would hold for this address space on real hardware.
func (pm *Pmap) Root() uint32 { return pm.root }

// Walk returns a pointer to the leaf PTE mapping vaddr, descending through
// the PML4/PDPT/PD/PT chain. If create is false, Walk stops and returns
// ok=false at the first absent intermediate table. If create is true,
// absent intermediate tables are allocated (via mem.PageAlloc, tagged
// PageTableBacking) and zeroed as the walk proceeds. If a PD entry is
// already present with PtePS set, the walk stops there and returns that
// entry with leaf=true, modeling the optional 2-MiB leaf that shortcuts
// the final level.
func Walk(cpu *arch.CPU, self sched.Thread, pm *Pmap, vaddr uintptr, create bool) (pte *uint64, leaf bool, ok bool) {
	frame := pm.root
	for level := 3; level >= 1; level-- {
		shift := uint(12 + 9*level)
		idx := (vaddr >> shift) & 0x1ff
		table := tableAt(pm.db, frame)
		e := &table[idx]
		switch {
		case *e&PteP == 0:
			if !create {
				return nil, false, false
			}
			child := pm.allocTable(cpu, self)
			*e = (uint64(child) * frameSizeU64) | PteP | PteW | PteU
		case level == 1 && *e&PtePS != 0:
			return e, true, true
		}
		frame = uint32((*e & PteAddrMask) / frameSizeU64)
	}
	table := tableAt(pm.db, frame)
	idx := (vaddr >> 12) & 0x1ff
	return &table[idx], false, true
}

// MapLarge installs a 2-MiB leaf mapping at the PD level: vaddr must be
// 2-MiB aligned and frame is the physical page number of the first 4-KiB
// page of the 2-MiB range (the hardware interprets the PD entry's address
// field as a 2-MiB-aligned physical address, which is frame's address
// since a 2-MiB range is exactly 512 4-KiB frames). It descends only the
// PML4 and PDPT levels, creating them as needed, and returns an error if
// the PD entry it would install is already present — the large-page counterpart
// of Map's double-map check. This is how PageInit's caller identity-maps
// RAM at boot: one PD entry per 2-MiB chunk instead of 512 PT entries.
func MapLarge(cpu *arch.CPU, self sched.Thread, pm *Pmap, vaddr uintptr, frame uint32, flags uint64) error {
	if vaddr%(2<<20) != 0 {
		return fmt.Errorf("pagetable: MapLarge vaddr %#x is not 2-MiB aligned", vaddr)
	}
	frameNum := pm.root
	for level := 3; level >= 2; level-- {
		shift := uint(12 + 9*level)
		idx := (vaddr >> shift) & 0x1ff
		table := tableAt(pm.db, frameNum)
		e := &table[idx]
		if *e&PteP == 0 {
			child := pm.allocTable(cpu, self)
			*e = (uint64(child) * frameSizeU64) | PteP | PteW | PteU
		}
		frameNum = uint32((*e & PteAddrMask) / frameSizeU64)
	}
	table := tableAt(pm.db, frameNum)
	idx := (vaddr >> 21) & 0x1ff
	e := &table[idx]
	if *e&PteP != 0 {
		return fmt.Errorf("pagetable: %#x already mapped by a 2-MiB leaf", vaddr)
	}
	*e = (uint64(frame) * frameSizeU64) | flags | PteP | PtePS
	return nil
}

// IdentityMapRegion installs a 2-MiB identity mapping (virtual address ==
// physical address) covering every 2-MiB-aligned chunk r overlaps,
// rounding outward so the whole region is covered. A chunk that already
// holds the same identity leaf (from an earlier region sharing it) is left
// as it is; any other existing mapping of a chunk is an error. This is PageInit step
// 4 from the physical-page manager design: the bootstrap address space
// must identity-map every usable frame. boot.Boot runs this against the
// live frame database right after PageInit rather than before it frees
// any frame, since this module has no bump allocator to hand out the
// mapping's own page-table frames before a free list exists to serve
// them from; see boot.go for the reordering this implies.
func IdentityMapRegion(cpu *arch.CPU, self sched.Thread, pm *Pmap, r mem.Region) error {
	const large = uintptr(2 << 20)
	start := r.Base - r.Base%large
	end := r.Base + r.Length
	if end%large != 0 {
		end += large - end%large
	}
	for va := start; va < end; va += large {
		frame := uint32(va / frameSizeU64)
		if pte, leaf, ok := Walk(cpu, self, pm, va, false); ok && leaf && *pte&PteAddrMask == uint64(frame)*frameSizeU64 {
			// already identity-mapped, e.g. by an adjacent region sharing
			// this 2-MiB chunk
			continue
		}
		if err := MapLarge(cpu, self, pm, va, frame, PteW); err != nil {
			return err
		}
	}
	return nil
}

// CopyKernelEntries copies every PML4 entry from proto into pm, the step
// proc_alloc performs so a freshly allocated address space maps the
// kernel image and the identity-mapped RAM range identically to every
// other process without walking its own copy of those page tables into
// existence. This core has no separate user-virtual-memory-area feature
// (demand paging and COW beyond the simple identity map are explicitly
// out of scope), so there is no private, per-process half of the PML4
// to preserve here the way a full address-space manager would; every
// entry proto holds belongs to the shared kernel view.
func CopyKernelEntries(pm, proto *Pmap) {
	dst := tableAt(pm.db, pm.root)
	src := tableAt(proto.db, proto.root)
	copy(dst, src)
}

// Map installs a 4-KiB leaf mapping from vaddr to frame with the given PTE
// flag bits (PteP is added automatically), creating intermediate tables
// as needed. It returns an error, leaving the existing entry untouched, if
// vaddr is already mapped by a 4-KiB entry or a 2-MiB leaf.
func Map(cpu *arch.CPU, self sched.Thread, pm *Pmap, vaddr uintptr, frame uint32, flags uint64) error {
	pte, leaf, _ := Walk(cpu, self, pm, vaddr, true)
	if leaf && *pte&PteP != 0 {
		return fmt.Errorf("pagetable: %#x already mapped by a 2-MiB leaf", vaddr)
	}
	if *pte&PteP != 0 {
		return fmt.Errorf("pagetable: %#x already mapped", vaddr)
	}
	*pte = (uint64(frame) * frameSizeU64) | flags | PteP
	return nil
}

// Unmap clears the leaf PTE mapping vaddr, returning defs.EINVAL if it was
// not mapped.
func Unmap(cpu *arch.CPU, self sched.Thread, pm *Pmap, vaddr uintptr) defs.Err_t {
	pte, _, ok := Walk(cpu, self, pm, vaddr, false)
	if !ok || *pte&PteP == 0 {
		return defs.EINVAL
	}
	*pte = 0
	return 0
}

// Translate returns the physical frame number vaddr currently maps to, and
// whether it is mapped at all.
func Translate(cpu *arch.CPU, self sched.Thread, pm *Pmap, vaddr uintptr) (frame uint32, ok bool) {
	pte, leaf, walked := Walk(cpu, self, pm, vaddr, false)
	if !walked || *pte&PteP == 0 {
		return 0, false
	}
	frame = uint32((*pte & PteAddrMask) / frameSizeU64)
	if leaf {
		// A 2-MiB leaf maps 512 consecutive frames; add vaddr's 4-KiB
		// page index within that range.
		frame += uint32((vaddr >> 12) & 0x1ff)
	}
	return frame, true
}
