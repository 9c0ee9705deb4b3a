package sched

import (
	"testing"
	"time"
	"unsafe"

	"novakernel/arch"
	"novakernel/defs"
)

type fakeThread struct {
	pid     defs.Pid_t
	prio    defs.Prio_t
	held    defs.Token
	pending defs.Token
	chn     Chan
	flags   Flag
	ctx     *arch.Ctx
}

func newFakeThread(pid defs.Pid_t, prio defs.Prio_t) *fakeThread {
	return &fakeThread{pid: pid, prio: prio, ctx: arch.NewCtx()}
}

func (t *fakeThread) Pid() defs.Pid_t               { return t.pid }
func (t *fakeThread) Priority() defs.Prio_t         { return t.prio }
func (t *fakeThread) HeldTokens() defs.Token        { return t.held }
func (t *fakeThread) SetHeldTokens(v defs.Token)    { t.held = v }
func (t *fakeThread) PendingTokens() defs.Token     { return t.pending }
func (t *fakeThread) SetPendingTokens(v defs.Token) { t.pending = v }
func (t *fakeThread) SleepChan() Chan               { return t.chn }
func (t *fakeThread) SetSleepChan(c Chan)           { t.chn = c }
func (t *fakeThread) Flags() Flag                   { return t.flags }
func (t *fakeThread) SetFlags(f Flag)               { t.flags = f }
func (t *fakeThread) Ctx() *arch.Ctx                { return t.ctx }
func (t *fakeThread) Addr() unsafe.Pointer          { return unsafe.Pointer(t) }

func TestRunQueueExclusivity(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)
	a := newFakeThread(1, defs.Prio_user)
	k.Run(cpu, a)
	if got := k.RunqLen(defs.Prio_user); got != 1 {
		t.Fatalf("RunqLen = %d, want 1", got)
	}
}

func TestAcquireReleaseNoContention(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)
	self := newFakeThread(1, defs.Prio_user)

	granted := k.Acquire(cpu, self, defs.Token_page)
	if granted != defs.Token_page {
		t.Fatalf("Acquire granted %v, want %v", granted, defs.Token_page)
	}
	if k.HeldTokens() != defs.Token_page {
		t.Fatalf("HeldTokens = %v, want %v", k.HeldTokens(), defs.Token_page)
	}

	// redundant acquire is a no-op grant
	if g := k.Acquire(cpu, self, defs.Token_page); g != 0 {
		t.Fatalf("redundant Acquire granted %v, want 0", g)
	}

	k.Release(cpu, self, granted)
	if k.HeldTokens() != 0 {
		t.Fatalf("HeldTokens after Release = %v, want 0", k.HeldTokens())
	}
	if self.HeldTokens() != 0 {
		t.Fatalf("self still holds tokens after Release: %v", self.HeldTokens())
	}
}

func TestTokenArbitrationAllowsHolderToRun(t *testing.T) {
	// A low-priority holder of a token must remain schedulable even while
	// a higher-priority process waits on that same token: this is the
	// priority-inheritance-via-queue-head mechanism, not a blocking lock.
	k := New()

	holder := newFakeThread(1, defs.Prio_user)
	holder.held = defs.Token_slab
	k.held = defs.Token_slab

	waiter := newFakeThread(2, defs.Prio_isr_high)
	waiter.pending = defs.Token_slab
	k.runqs[defs.Prio_isr_high].pushBack(waiter)
	k.runMask |= 1 << uint(defs.Prio_isr_high)

	k.runqs[defs.Prio_user].pushBack(holder)
	k.runMask |= 1 << uint(defs.Prio_user)

	next := k.pickNext()
	if next != holder {
		t.Fatalf("pickNext chose waiter over token holder; priority inheritance violated")
	}
}

func TestWakeupMovesOnlyMatchingChannel(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)

	var x, y int
	cx := AddrChan(unsafe.Pointer(&x))
	cy := AddrChan(unsafe.Pointer(&y))

	sleeperX := newFakeThread(1, defs.Prio_user)
	sleeperY := newFakeThread(2, defs.Prio_user)

	b := sleepBucket(cx)
	k.sleepqs[b].pushBack(sleeperX)
	sleeperX.chn = cx
	by := sleepBucket(cy)
	k.sleepqs[by].pushBack(sleeperY)
	sleeperY.chn = cy

	k.Wakeup(cpu, cx)

	if sleeperX.chn != 0 {
		t.Fatalf("sleeperX still has a sleep channel set after matching wakeup")
	}
	if sleeperY.chn != cy {
		t.Fatalf("sleeperY's channel changed on an unrelated wakeup")
	}
	if k.RunqLen(defs.Prio_user) != 1 {
		t.Fatalf("expected exactly sleeperX moved to the run queue")
	}
}

func TestYieldSwitchesBetweenTwoProcesses(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)

	a := newFakeThread(1, defs.Prio_user)
	b := newFakeThread(2, defs.Prio_user)

	order := make(chan string, 4)

	k.Run(cpu, b)
	go func() {
		b.ctx.Save()
		order <- "b"
		k.Yield(cpu, b)
	}()

	// Give b's goroutine a chance to park in Save before a yields into it.
	time.Sleep(10 * time.Millisecond)

	order <- "a-before-yield"
	k.Yield(cpu, a)
	order <- "a-after-yield"

	close(order)
	var seen []string
	for s := range order {
		seen = append(seen, s)
	}
	if len(seen) != 3 {
		t.Fatalf("got %v, want 3 entries", seen)
	}
	if seen[0] != "a-before-yield" {
		t.Fatalf("unexpected order: %v", seen)
	}
}

func TestAllocVectorDistinctWithinBand(t *testing.T) {
	k := New()
	v1, ok := k.AllocVector(defs.Prio_isr_tty)
	if !ok {
		t.Fatal("AllocVector failed on empty band")
	}
	v2, ok := k.AllocVector(defs.Prio_isr_tty)
	if !ok {
		t.Fatal("AllocVector failed on second call")
	}
	if v1 == v2 {
		t.Fatalf("AllocVector returned duplicate vector %d", v1)
	}
	lo, hi := vectorBand(defs.Prio_isr_tty)
	if v1 < lo || v1 >= hi || v2 < lo || v2 >= hi {
		t.Fatalf("vectors %d,%d outside band [%d,%d)", v1, v2, lo, hi)
	}
}

func TestIrqMasksLevelSourceAndServicePassWakes(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)
	pins := arch.NewFakePinController()
	src := arch.Source{Mode: arch.Level, IOAPIC: true, Pin: 9}
	isr := k.RegisterISR(7, defs.Token_isr_net, src, pins)

	service := newFakeThread(1, defs.Prio_isr_net)
	service.chn = isr.Chan
	k.sleepqs[sleepBucket(isr.Chan)].pushBack(service)

	k.Irq(cpu, 7)
	if !pins.Masked(9) {
		t.Fatal("level-triggered IOAPIC source not masked on Irq")
	}
	if k.pending&(1<<7) == 0 {
		t.Fatal("vector 7 not marked pending after Irq")
	}

	k.lock(cpu)
	k.serviceISRs()
	k.unlock(cpu)

	if k.pending&(1<<7) != 0 {
		t.Fatal("pending bit not cleared by the service pass")
	}
	if got := k.RunqLen(defs.Prio_isr_net); got != 1 {
		t.Fatalf("service thread not on its run queue: RunqLen = %d, want 1", got)
	}
}

func TestServiceISRsDefersWhileTokenHeld(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)
	pins := arch.NewFakePinController()
	src := arch.Source{Mode: arch.Edge, IOAPIC: false}
	isr := k.RegisterISR(3, defs.Token_isr_block, src, pins)

	service := newFakeThread(1, defs.Prio_isr_block)
	service.chn = isr.Chan
	k.sleepqs[sleepBucket(isr.Chan)].pushBack(service)

	holder := newFakeThread(2, defs.Prio_user)
	if g := k.Acquire(cpu, holder, defs.Token_isr_block); g != defs.Token_isr_block {
		t.Fatalf("Acquire granted %v, want %v", g, defs.Token_isr_block)
	}

	k.Irq(cpu, 3)
	k.lock(cpu)
	k.serviceISRs()
	k.unlock(cpu)
	if k.pending&(1<<3) == 0 {
		t.Fatal("pending bit cleared while the ISR's token was still held")
	}
	if got := k.RunqLen(defs.Prio_isr_block); got != 0 {
		t.Fatalf("service thread woken while its token was held: RunqLen = %d", got)
	}

	// Release's own dispatch pass re-runs the ISR scan; it will select
	// the newly woken service thread over the releasing holder, so the
	// release must run on its own goroutine, which then parks.
	go k.Release(cpu, holder, defs.Token_isr_block)

	deadline := time.Now().Add(2 * time.Second)
	for pendingSnapshot(k)&(1<<3) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending bit still set after the token was released")
		}
		time.Sleep(time.Millisecond)
	}
	if cpu.Current() != service.Addr() {
		t.Fatal("service thread was not dispatched once its token came free")
	}
}

func heldSnapshot(k *Kernel) defs.Token {
	<-k.mu
	h := k.held
	k.mu <- struct{}{}
	return h
}

func pendingSnapshot(k *Kernel) uint64 {
	<-k.mu
	p := k.pending
	k.mu <- struct{}{}
	return p
}

func TestIrqSpuriousVectorDiscarded(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)
	k.Irq(cpu, 13)
	if k.pending != 0 {
		t.Fatalf("spurious vector set pending bits: %#x", k.pending)
	}
}

func TestSleepReleasesHeldTokensUntilReacquired(t *testing.T) {
	k := New()
	cpu := arch.NewCPU(0)
	cpu2 := arch.NewCPU(1)

	// Something for the sleeper's dispatcher to switch into.
	idle := newFakeThread(0, defs.Prio_idle)
	k.Run(cpu, idle)

	sleeper := newFakeThread(1, defs.Prio_user)
	var x int
	c := AddrChan(unsafe.Pointer(&x))

	acquired := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		k.Acquire(cpu, sleeper, defs.Token_page)
		close(acquired)
		k.Sleep(cpu, sleeper, c, 0)
		close(woke)
	}()

	// The token must leave the global mask once the sleeper parks. Wait
	// for the sleeper to hold it first, so the empty mask seen before its
	// Acquire is not mistaken for one emptied by Sleep.
	<-acquired
	deadline := time.Now().Add(2 * time.Second)
	for heldSnapshot(k) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sleeper never released its token on sleep")
		}
		time.Sleep(time.Millisecond)
	}

	// Another process can now take the token without blocking — the very
	// thing that deadlocks if sleep parks with tokens still held.
	other := newFakeThread(2, defs.Prio_user)
	if g := k.Acquire(cpu2, other, defs.Token_page); g != defs.Token_page {
		t.Fatalf("Acquire while holder sleeps granted %v, want %v", g, defs.Token_page)
	}

	k.Wakeup(cpu2, c)
	// The sleeper is runnable but must not return from Sleep while its
	// token is held elsewhere; nothing dispatches it yet either way, so
	// the real check is that it reacquires only after the release below.
	select {
	case <-woke:
		t.Fatal("sleeper returned from Sleep while its token was held elsewhere")
	case <-time.After(20 * time.Millisecond):
	}

	k.Release(cpu2, other, defs.Token_page)
	go k.Yield(cpu2, other)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never returned from Sleep after wakeup and release")
	}
	if k.HeldTokens() != defs.Token_page {
		t.Fatalf("sleeper did not reacquire its token on return: held = %v", k.HeldTokens())
	}
}
