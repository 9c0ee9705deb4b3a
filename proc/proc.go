// Package proc implements process lifecycle: the process descriptor,
// the process table, creation, and fork. It ties together sched (run/
// sleep queues, tokens), mem (the frame database), and pagetable (each
// process's address space).
package proc

import (
	"runtime"
	"unsafe"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pagetable"
	"novakernel/sched"
)

// Flag records process-lifecycle state, supplementing the process
// attributes the scheduler itself needs with the bits a process
// descriptor carries across fork and exit.
type Flag uint32

const (
	FlagForked Flag = 1 << iota
	FlagExiting
)

// xstateSize is the size of the saved extended-state block (the FPU/SSE/
// AVX register file an fxsave/xsave instruction would capture), 512
// bytes and 16-byte aligned — this core never populates it with real
// register content, but fork must still copy it byte for byte like
// every other part of a process's saved state.
const xstateSize = 512

// Entry is a process's top-level code. A freshly spawned process calls
// Entry(p, 0). A forked child also calls Entry(p, 0): since this module
// cannot clone a running goroutine's stack the way real hardware fork
// duplicates a register/stack snapshot and resumes both copies from the
// same point, every process is instead defined by re-entering the same
// designated entry function; the forkRC parameter models fork()'s
// famous dual return value (0 in the child) without requiring Go to
// actually resume a cloned continuation. The parent's call to Fork
// receives the child's pid as an ordinary Go return value, playing the
// role of fork()'s non-zero return in the parent.
type Entry func(p *Proc, forkRC defs.Pid_t)

// Proc is one process's descriptor: everything the scheduler needs
// (embedded via the sched.Thread methods below), plus the state that
// belongs to process lifecycle specifically.
type Proc struct {
	pid  defs.Pid_t
	prio defs.Prio_t

	held    defs.Token
	pending defs.Token
	chn     sched.Chan
	sflags  sched.Flag
	ctx     *arch.Ctx

	flags  Flag
	pmap   *pagetable.Pmap
	kstack []byte
	xstate [xstateSize]byte

	entry Entry
}

// sched.Thread implementation.

func (p *Proc) Pid() defs.Pid_t               { return p.pid }
func (p *Proc) Priority() defs.Prio_t         { return p.prio }
func (p *Proc) HeldTokens() defs.Token        { return p.held }
func (p *Proc) SetHeldTokens(v defs.Token)    { p.held = v }
func (p *Proc) PendingTokens() defs.Token     { return p.pending }
func (p *Proc) SetPendingTokens(v defs.Token) { p.pending = v }
func (p *Proc) SleepChan() sched.Chan         { return p.chn }
func (p *Proc) SetSleepChan(c sched.Chan)     { p.chn = c }
func (p *Proc) Flags() sched.Flag             { return p.sflags }
func (p *Proc) SetFlags(f sched.Flag)         { p.sflags = f }
func (p *Proc) Ctx() *arch.Ctx                { return p.ctx }
func (p *Proc) Addr() unsafe.Pointer          { return unsafe.Pointer(p) }

// Pmap returns the process's root page table.
func (p *Proc) Pmap() *pagetable.Pmap { return p.pmap }

// LifecycleFlags reports the process-lifecycle flag word.
func (p *Proc) LifecycleFlags() Flag { return p.flags }

// Table is the global process table: PID assignment and the live set of
// process descriptors, serialized by Token_ptbl.
type Table struct {
	k     *sched.Kernel
	db    *mem.DB
	pid   defs.Pid_t
	byPid map[defs.Pid_t]*Proc
	proto *pagetable.Pmap
}

// NewTable returns an empty process table.
func NewTable(k *sched.Kernel, db *mem.DB) *Table {
	return &Table{k: k, db: db, byPid: make(map[defs.Pid_t]*Proc)}
}

// SetProto installs proto as the kernel-mapping prototype: every process
// allocated afterward has proto's PML4 entries (see
// pagetable.CopyKernelEntries) copied into its own address space, so a
// process never needs to fault its way into the kernel's own identity-
// mapped range. Boot builds proto once, after identity-mapping RAM, and
// installs it before spawning the first real process.
func (t *Table) SetProto(proto *pagetable.Pmap) {
	t.proto = proto
}

// alloc assigns a PID, builds a Proc with a fresh address space and
// kernel stack, and inserts it into the table. self is nil only for the
// handful of processes created during boot, before any process is
// running to serve as the interlock's caller; alloc then manipulates the
// table directly rather than through Acquire/Release, mirroring
// sched.RegisterISR's boot-time exception to the normal token dance.
func (t *Table) alloc(cpu *arch.CPU, self sched.Thread, prio defs.Prio_t, entry Entry) *Proc {
	var granted defs.Token
	if self != nil {
		granted = t.k.Acquire(cpu, self, defs.Token_ptbl)
	}

	p := &Proc{
		pid:    t.assignPid(),
		prio:   prio,
		ctx:    arch.NewCtx(),
		kstack: make([]byte, defs.KstackPages*4096),
		entry:  entry,
	}
	// The address space is allocated as p itself, whatever identity drove
	// the table mutation: its table pages are owned by p, and p holds no
	// tokens yet, so it can never block acquiring one it already holds.
	p.pmap = pagetable.NewPmap(cpu, p, t.db)
	if t.proto != nil && t.proto != p.pmap {
		pagetable.CopyKernelEntries(p.pmap, t.proto)
	}
	t.byPid[p.pid] = p

	if self != nil && granted != 0 {
		t.k.Release(cpu, self, granted)
	}
	return p
}

// assignPid hands out the first free PID past the last one assigned,
// wrapping back to 1 past the signed boundary and skipping any PID still
// naming a live process. PID 0 is never assigned: it is the value a
// forked child's entry observes.
func (t *Table) assignPid() defs.Pid_t {
	for {
		t.pid++
		if t.pid < 1 {
			t.pid = 1
		}
		if _, live := t.byPid[t.pid]; !live {
			return t.pid
		}
	}
}

// Remove deletes pid from the table.
func (t *Table) Remove(cpu *arch.CPU, self sched.Thread, pid defs.Pid_t) {
	granted := t.k.Acquire(cpu, self, defs.Token_ptbl)
	delete(t.byPid, pid)
	if granted != 0 {
		t.k.Release(cpu, self, granted)
	}
}

// Lookup returns the process with the given pid, or nil.
func (t *Table) Lookup(pid defs.Pid_t) *Proc {
	return t.byPid[pid]
}

// Start launches p's goroutine, parked until the scheduler first
// dispatches it, and enqueues p runnable on cpu. It is safe to call
// concurrently for distinct processes: the only shared state it touches
// is the run queue, which Run mutates under the interlock.
func Start(cpu *arch.CPU, k *sched.Kernel, p *Proc) {
	go func() {
		p.ctx.Save()
		p.entry(p, 0)
	}()
	k.Run(cpu, p)
}

// Spawn allocates a brand-new process (not a fork of any parent) and
// starts its goroutine, parked until the scheduler first runs it.
func Spawn(cpu *arch.CPU, self sched.Thread, table *Table, prio defs.Prio_t, entry Entry) *Proc {
	p := table.alloc(cpu, self, prio, entry)
	Start(cpu, table.k, p)
	return p
}

// Fork duplicates parent into a new process at the same priority,
// copying its kernel-stack bytes and saved extended-state block, and
// enqueues the child runnable. It returns the child's Proc; the caller
// reads Pid() for the value fork() returns to the parent. See Entry's
// doc comment for how the child "observes" a zero return without a
// cloned continuation.
func Fork(cpu *arch.CPU, table *Table, parent *Proc) *Proc {
	child := table.alloc(cpu, parent, parent.prio, parent.entry)
	child.flags = parent.flags | FlagForked
	copy(child.kstack, parent.kstack)
	child.xstate = parent.xstate

	Start(cpu, table.k, child)
	return child
}

// NewIdle fabricates the one idle process a CPU runs when nothing else
// is runnable: lowest priority, an entry that loops preempting in favor
// of any higher-priority arrival and otherwise waiting. self is nil
// because idle processes are created during boot, before any process
// exists to hold the process-table token on their behalf — which also
// means nothing serializes the table mutation, so idle allocation must
// happen on one boot goroutine at a time; the returned process is not
// yet runnable, and each CPU Starts its own once allocation is done.
func NewIdle(cpu *arch.CPU, k *sched.Kernel, table *Table) *Proc {
	return table.alloc(cpu, nil, defs.Prio_idle, func(p *Proc, _ defs.Pid_t) {
		for {
			k.Preempt(cpu, p)
			// Stand-in for the architectural wait-for-interrupt between
			// preemption checks.
			runtime.Gosched()
		}
	})
}
