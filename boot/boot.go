// Package boot wires the frame database, page tables, slab allocator,
// scheduler, and process table together into a running system: the
// bootstrap harness every other package's unit tests stand in for
// piecemeal.
package boot

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pagetable"
	"novakernel/proc"
	"novakernel/sched"
)

// bootThread is a throwaway sched.Thread identity used only while
// building the kernel's prototype address space, before any real process
// exists to drive the page-allocator token dance. It never contends for a
// token (nothing else runs yet) and never needs to actually block in
// Ctx().Save/Wake.
type bootThread struct {
	held, pending defs.Token
	chn           sched.Chan
	flags         sched.Flag
	ctx           *arch.Ctx
}

func newBootThread() *bootThread { return &bootThread{ctx: arch.NewCtx()} }

func (b *bootThread) Pid() defs.Pid_t               { return -1 }
func (b *bootThread) Priority() defs.Prio_t         { return defs.Prio_idle }
func (b *bootThread) HeldTokens() defs.Token        { return b.held }
func (b *bootThread) SetHeldTokens(v defs.Token)    { b.held = v }
func (b *bootThread) PendingTokens() defs.Token     { return b.pending }
func (b *bootThread) SetPendingTokens(v defs.Token) { b.pending = v }
func (b *bootThread) SleepChan() sched.Chan         { return b.chn }
func (b *bootThread) SetSleepChan(c sched.Chan)     { b.chn = c }
func (b *bootThread) Flags() sched.Flag             { return b.flags }
func (b *bootThread) SetFlags(f sched.Flag)         { b.flags = f }
func (b *bootThread) Ctx() *arch.Ctx                { return b.ctx }
func (b *bootThread) Addr() unsafe.Pointer          { return unsafe.Pointer(b) }

// Config parameterizes a boot: the memory map, the kernel image's frame
// range, and how many simulated CPUs to bring up. It exists purely to
// drive the deterministic test harness — none of these are
// runtime-reconfigurable once System is built.
type Config struct {
	MemMap      []mem.Region
	KernelImage mem.Region
	NumCPUs     int
}

// System is a fully booted kernel core: every subsystem wired together
// and one idle process running on each simulated CPU.
type System struct {
	K     *sched.Kernel
	DB    *mem.DB
	Table *proc.Table
	Arena *mem.Arena
	Proto *pagetable.Pmap
	CPUs  []*arch.CPU
	Idles []*proc.Proc
}

// Boot builds a System from cfg: the frame database, an mmap-backed
// arena sized to cover it, the process table, and cfg.NumCPUs simulated
// CPUs each running its own idle process. Bring-up for each CPU happens
// on its own goroutine under an errgroup.Group, the same "fan out
// independent workers, propagate the first error, wait for all" shape
// used to start any fixed pool of concurrent workers.
func Boot(ctx context.Context, cfg Config) (*System, error) {
	if cfg.NumCPUs < 1 {
		return nil, fmt.Errorf("boot: NumCPUs must be at least 1, got %d", cfg.NumCPUs)
	}

	k := sched.New()
	db := mem.PageInit(k, cfg.MemMap, cfg.KernelImage)

	arena, err := mem.NewArena(db.NFrames() * frameSizeHint)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	db.AttachArena(arena)

	table := proc.NewTable(k, db)

	// Build the kernel's prototype address space and identity-map every
	// usable region at 2-MiB granularity — page_init steps 4 and 5 from
	// the physical-page manager design, reordered to run after frames are
	// already marked free rather than before: this module has no bump
	// allocator to hand out page-table frames prior to a live free list,
	// so the prototype's own table pages are the first thing PageAlloc
	// ever hands out. Every later process's address space copies this
	// prototype's PML4 entries (see proc.Table.SetProto).
	bootCPU := arch.NewCPU(0)
	boot := newBootThread()
	proto := pagetable.NewPmap(bootCPU, boot, db)
	for _, r := range cfg.MemMap {
		if !r.Usable {
			continue
		}
		if err := pagetable.IdentityMapRegion(bootCPU, boot, proto, r); err != nil {
			arena.Close()
			return nil, fmt.Errorf("boot: identity-mapping %#x+%#x: %w", r.Base, r.Length, err)
		}
	}
	table.SetProto(proto)

	sys := &System{
		K:     k,
		DB:    db,
		Table: table,
		Arena: arena,
		Proto: proto,
		CPUs:  make([]*arch.CPU, cfg.NumCPUs),
		Idles: make([]*proc.Proc, cfg.NumCPUs),
	}
	sys.CPUs[0] = bootCPU

	// Idle allocation mutates the shared process table with no running
	// process to serialize through the process-table token, so it happens
	// sequentially on the boot CPU while it is still the only live one.
	// Each application CPU then brings its idle loop online concurrently.
	for i := 0; i < cfg.NumCPUs; i++ {
		if sys.CPUs[i] == nil {
			sys.CPUs[i] = arch.NewCPU(i)
		}
		sys.Idles[i] = proc.NewIdle(sys.CPUs[i], k, table)
	}

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < cfg.NumCPUs; i++ {
		i := i
		g.Go(func() error {
			proc.Start(sys.CPUs[i], k, sys.Idles[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		arena.Close()
		return nil, fmt.Errorf("boot: bringing up CPUs: %w", err)
	}

	return sys, nil
}

// frameSizeHint mirrors mem's unexported frame size so the arena Boot
// allocates covers every frame PageInit's memory map implies. Kept as a
// named constant here (rather than a mem export) since only the boot
// harness needs to size an arena from a frame count.
const frameSizeHint = 4096

// Close releases the system's backing arena. Tests that build a System
// should defer this to avoid leaking the mmap'd region.
func (s *System) Close() error {
	return s.Arena.Close()
}

// Spawn starts a fresh process on the given CPU through the system's
// process table, as shorthand for proc.Spawn(cpu, self, s.Table, ...).
func (s *System) Spawn(cpu *arch.CPU, self sched.Thread, prio defs.Prio_t, entry proc.Entry) *proc.Proc {
	return proc.Spawn(cpu, self, s.Table, prio, entry)
}

// Fork forks parent through the system's process table, as shorthand for
// proc.Fork(cpu, s.Table, parent).
func (s *System) Fork(cpu *arch.CPU, parent *proc.Proc) *proc.Proc {
	return proc.Fork(cpu, s.Table, parent)
}
