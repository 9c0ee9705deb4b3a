// Package sched implements the cooperative token-based priority scheduler:
// run queues, sleep queues, the global kernel interlock, and the token
// arbitration mechanism that serializes the page, slab and process-table
// subsystems above it.
//
// Every public operation that takes the interlock takes the calling
// arch.CPU explicitly (the boot-time RegisterISR and AllocVector take the
// kernel mutex directly and need no CPU). A real
// kernel reaches "the current CPU" through a dedicated register; this core
// has no such register, so callers pass the per-simulated-CPU handle they
// are already holding.
package sched

import (
	"fmt"
	"unsafe"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/diag"
)

// init registers every named token bit with diag.Tokens, once per process,
// so a panic message like "release of unheld token(s)" renders "slab"
// rather than "bit1". Indices are derived from each constant's own bit
// position rather than hardcoded, so renumbering defs.Token stays safe.
func init() {
	named := map[defs.Token]string{
		defs.Token_page:      "page",
		defs.Token_slab:      "slab",
		defs.Token_ptbl:      "ptbl",
		defs.Token_isr_high:  "isr_high",
		defs.Token_isr_tty:   "isr_tty",
		defs.Token_isr_net:   "isr_net",
		defs.Token_isr_block: "isr_block",
	}
	for tok, name := range named {
		bit, ok := arch.BitScanForward(uint64(tok))
		if !ok {
			continue
		}
		diag.Tokens.Set(uint64(bit), name)
	}
}

// Chan is an opaque sleep/wake rendezvous identity: compared for equality
// only, never dereferenced.
type Chan uintptr

// AddrChan derives a Chan from the address of some piece of kernel state —
// the page allocator, for instance, sleeps waiters on the address of its
// own free-count counter.
func AddrChan(p unsafe.Pointer) Chan {
	return Chan(uintptr(p))
}

// Flag marks why a process is sleeping.
type Flag uint32

// Thread is the subset of a process descriptor the scheduler needs to
// queue, dispatch and arbitrate tokens for. proc.Proc implements it; this
// indirection keeps sched free of any dependency on proc, which instead
// depends on sched.
type Thread interface {
	Pid() defs.Pid_t
	Priority() defs.Prio_t

	HeldTokens() defs.Token
	SetHeldTokens(defs.Token)

	// PendingTokens is the set of tokens this process has asked for but
	// not yet been granted — zero whenever the process is not blocked
	// inside Acquire or inside Sleep's reacquisition of the tokens it
	// held before sleeping. The dispatcher refuses to run a process whose
	// PendingTokens intersect the globally held set; a process never
	// blocks on tokens it already holds itself; see DESIGN.md.
	PendingTokens() defs.Token
	SetPendingTokens(defs.Token)

	SleepChan() Chan
	SetSleepChan(Chan)

	Flags() Flag
	SetFlags(Flag)

	Ctx() *arch.Ctx

	// Addr returns a stable identity pointer for this process, installed on
	// an arch.CPU as its "current process" by the dispatcher. It exists so
	// sched can publish a process's identity through arch.CPU.SetCurrent
	// without importing the concrete process type.
	Addr() unsafe.Pointer
}

type queue struct {
	items []Thread
}

func (q *queue) empty() bool { return len(q.items) == 0 }

func (q *queue) pushBack(t Thread) { q.items = append(q.items, t) }

func (q *queue) pushFront(t Thread) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = t
}

func (q *queue) removeAt(i int) Thread {
	t := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return t
}

// Kernel owns the scheduler's global state: the run queues, the sleep
// queues, the held-tokens bitmask, and the pending-ISR bitmask, all
// protected by a single interlock. A fresh Kernel models one independent
// kernel instance; tests construct their own rather than sharing a
// package-level singleton.
type Kernel struct {
	mu   chan struct{} // 1-buffered: held iff empty
	held defs.Token

	runqs   [defs.Nr_runqs]queue
	runMask uint64

	sleepqs [defs.NrSleepqs]queue

	pending  uint64
	isrs     [defs.NrIsrVectors]*ISR
	isrInUse [defs.NrIsrVectors]bool
}

// New returns an initialized, empty Kernel.
func New() *Kernel {
	k := &Kernel{mu: make(chan struct{}, 1)}
	k.mu <- struct{}{}
	return k
}

// lock acquires the interlock: it disables local interrupts on cpu and
// takes the kernel-wide mutex, in that order, so that acquiring the
// interlock always disables local interrupts.
func (k *Kernel) lock(cpu *arch.CPU) {
	cpu.Ints.Disable()
	<-k.mu
}

// unlock releases the kernel-wide mutex and re-enables local interrupts on
// cpu, in that order — the mirror image of lock.
func (k *Kernel) unlock(cpu *arch.CPU) {
	k.mu <- struct{}{}
	cpu.Ints.Enable()
}

func sleepBucket(c Chan) int {
	return int((uintptr(c) >> 3) % defs.NrSleepqs)
}

func (k *Kernel) setRunnable(t Thread, front bool) {
	p := t.Priority()
	if front {
		k.runqs[p].pushFront(t)
	} else {
		k.runqs[p].pushBack(t)
	}
	k.runMask |= 1 << uint(p)
}

// Run enqueues p at the tail of its priority run queue.
func (k *Kernel) Run(cpu *arch.CPU, t Thread) {
	k.lock(cpu)
	k.setRunnable(t, false)
	k.unlock(cpu)
}

// pickNext must be called with the interlock held. It implements the
// dispatch scan: lowest set priority bit first, FIFO within a priority,
// skipping any candidate whose PendingTokens intersect the globally held
// mask.
func (k *Kernel) pickNext() Thread {
	mask := k.runMask
	for mask != 0 {
		bit, ok := arch.BitScanForward(mask)
		if !ok {
			break
		}
		prio := defs.Prio_t(bit)
		q := &k.runqs[prio]
		for i := range q.items {
			t := q.items[i]
			if t.PendingTokens()&k.held == 0 {
				q.removeAt(i)
				if q.empty() {
					k.runMask &^= 1 << uint(bit)
				}
				return t
			}
		}
		mask &^= 1 << uint(bit)
	}
	diag.Panic("dispatch: no runnable process on any priority; idle invariant violated")
	return nil
}

// serviceISRs must be called with the interlock held. It wakes the service
// thread of every pending ISR whose token is currently free, clearing its
// pending bit.
func (k *Kernel) serviceISRs() {
	for v := 0; v < defs.NrIsrVectors; v++ {
		bit := uint64(1) << uint(v)
		if k.pending&bit == 0 {
			continue
		}
		isr := k.isrs[v]
		if isr == nil {
			k.pending &^= bit
			continue
		}
		if isr.Token&k.held != 0 {
			continue
		}
		k.pending &^= bit
		k.wakeupLocked(isr.Chan)
	}
}

// dispatch must be called with the interlock held; it always returns with
// the interlock released. If the chosen process is self, no context switch
// occurs and self simply continues. Otherwise self's goroutine parks until
// a future dispatch call resumes it.
func (k *Kernel) dispatch(cpu *arch.CPU, self Thread) {
	k.serviceISRs()
	next := k.pickNext()
	if next == self {
		k.unlock(cpu)
		return
	}
	cpu.SetCurrent(next.Addr())
	k.unlock(cpu)
	next.Ctx().Wake()
	self.Ctx().Save()
}

// Yield requeues self at the tail of its own priority and invokes the
// dispatcher.
func (k *Kernel) Yield(cpu *arch.CPU, self Thread) {
	k.lock(cpu)
	k.setRunnable(self, false)
	k.dispatch(cpu, self)
}

// Preempt requeues self at the head of its own priority and invokes the
// dispatcher, but only if a strictly-higher-priority process is waiting.
func (k *Kernel) Preempt(cpu *arch.CPU, self Thread) {
	k.lock(cpu)
	higher := false
	for bit := 0; bit < int(self.Priority()); bit++ {
		if k.runMask&(1<<uint(bit)) != 0 {
			higher = true
			break
		}
	}
	if !higher {
		k.unlock(cpu)
		return
	}
	k.setRunnable(self, true)
	k.dispatch(cpu, self)
}

// Acquire requests tokens and returns exactly the subset newly granted. A
// process never blocks on tokens it already holds; redundant requests
// return an empty grant.
func (k *Kernel) Acquire(cpu *arch.CPU, self Thread, want defs.Token) defs.Token {
	k.lock(cpu)
	for {
		have := self.HeldTokens()
		need := want &^ have
		if need == 0 {
			k.unlock(cpu)
			return 0
		}
		if need&k.held == 0 {
			k.held |= need
			self.SetHeldTokens(have | need)
			k.unlock(cpu)
			return need
		}
		self.SetPendingTokens(need)
		k.setRunnable(self, true)
		k.dispatch(cpu, self)
		k.lock(cpu)
		self.SetPendingTokens(0)
	}
}

// Release releases exactly the token set previously granted by the paired
// Acquire, then requeues self at the head of its priority and runs a
// dispatch pass: a runnable process of strictly higher priority (such as a
// waiter on the released tokens) runs now, while waiters at self's own or
// lower priority wait for self's next scheduling point. It panics if self
// does not hold all of mask.
func (k *Kernel) Release(cpu *arch.CPU, self Thread, mask defs.Token) {
	k.lock(cpu)
	have := self.HeldTokens()
	if have&mask != mask {
		diag.Panic(fmt.Sprintf("release of unheld token(s): held=%s want=%s",
			diag.NameToken(uint64(have)), diag.NameToken(uint64(mask))))
	}
	self.SetHeldTokens(have &^ mask)
	k.held &^= mask
	k.setRunnable(self, true)
	k.dispatch(cpu, self)
}

// Sleep marks self with flags, places it on the bucket hashed from c, and
// dispatches; flags are cleared on return.
//
// Tokens self holds leave the global held mask for the duration of the
// sleep and are reacquired before Sleep returns. A sleep is open-ended, so
// parking with tokens still globally held would wedge every other process
// that needs them — including the one whose work the sleeper is waiting
// for (the page allocator sleeps on the free count precisely so page_free
// can take the same token and replenish it). The caller's critical section
// must recheck its predicate after Sleep returns: the token changed hands
// while it slept.
func (k *Kernel) Sleep(cpu *arch.CPU, self Thread, c Chan, flags Flag) {
	k.lock(cpu)
	self.SetFlags(self.Flags() | flags)
	self.SetSleepChan(c)
	held := self.HeldTokens()
	k.held &^= held
	b := sleepBucket(c)
	k.sleepqs[b].pushBack(self)
	k.dispatch(cpu, self)
	k.lock(cpu)
	for held&k.held != 0 {
		self.SetPendingTokens(held & k.held)
		k.setRunnable(self, true)
		k.dispatch(cpu, self)
		k.lock(cpu)
		self.SetPendingTokens(0)
	}
	k.held |= held
	self.SetFlags(self.Flags() &^ flags)
	k.unlock(cpu)
}

// wakeupLocked must be called with the interlock held.
func (k *Kernel) wakeupLocked(c Chan) {
	b := sleepBucket(c)
	q := &k.sleepqs[b]
	kept := q.items[:0]
	for _, t := range q.items {
		if t.SleepChan() == c {
			t.SetSleepChan(0)
			k.setRunnable(t, false)
		} else {
			kept = append(kept, t)
		}
	}
	q.items = kept
}

// Wakeup moves every process sleeping on exactly c to the tail of its run
// queue. It never suspends the caller. A wakeup with no matching sleeper
// is a no-op.
func (k *Kernel) Wakeup(cpu *arch.CPU, c Chan) {
	k.lock(cpu)
	k.wakeupLocked(c)
	k.unlock(cpu)
}

// RunqLen reports the length of the run queue for prio, for diagnostics and
// tests (not part of the core dispatch path).
func (k *Kernel) RunqLen(prio defs.Prio_t) int {
	return len(k.runqs[prio].items)
}

// HeldTokens reports the globally held token mask, for diagnostics and
// tests.
func (k *Kernel) HeldTokens() defs.Token {
	return k.held
}
