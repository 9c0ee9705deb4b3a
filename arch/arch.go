// Package arch names the small set of architectural primitives the rest of
// the kernel core treats as given: a per-CPU pointer to the current
// process, an atomic context-save/restore pair, local interrupt
// enable/disable, a timer tick source, and a bit-scan-forward primitive.
// Everything below this package — the APIC/IOAPIC register drivers, the
// ACPI table walker, the actual register-save assembly stub — is an
// external collaborator; arch only captures the contract those
// collaborators must satisfy so sched/proc/mem can be written and tested
// without them.
package arch

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// BitScanForward returns the index of the least-significant set bit of mask
// and true, or (0, false) if mask is zero. This stands in for the
// architecturally-defined BSF instruction; math/bits.TrailingZeros64 already
// compiles to BSF/TZCNT on amd64, so there is no ecosystem library to reach
// for here — it would only wrap the same stdlib call.
func BitScanForward(mask uint64) (bit int, ok bool) {
	if mask == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(mask), true
}

// IntGate models a CPU's local-interrupt enable/disable flag. The kernel
// interlock is built directly on top of this: acquiring it disables local
// interrupts, releasing it restores them.
type IntGate struct {
	enabled atomic.Bool
}

// NewIntGate returns an IntGate with interrupts initially enabled.
func NewIntGate() *IntGate {
	g := &IntGate{}
	g.enabled.Store(true)
	return g
}

// Disable turns off local interrupts for this CPU and reports whether they
// were enabled beforehand, so callers can restore the prior state exactly.
func (g *IntGate) Disable() (wasEnabled bool) {
	return g.enabled.Swap(false)
}

// Enable turns local interrupts back on.
func (g *IntGate) Enable() {
	g.enabled.Store(true)
}

// Enabled reports the current state.
func (g *IntGate) Enabled() bool {
	return g.enabled.Load()
}

// CPU is the per-CPU structure reachable through the architecture's
// "current CPU" register. A per-goroutine runtime slot (the kind
// runtime.Gptr/runtime.Setgptr expose on a patched Go runtime) would let
// every goroutine reach its own CPU implicitly, but this module cannot
// patch the runtime, so each simulated CPU instead gets its own *CPU
// value, and "current process" lives in the field below, read and
// written only by the goroutine simulating that CPU and by the
// scheduler while the interlock is held.
type CPU struct {
	ID   int
	Ints *IntGate

	// current holds an unsafe.Pointer to the running process's descriptor.
	// It is an unsafe.Pointer rather than a concrete type so arch has no
	// import-time dependency on the proc package.
	current unsafe.Pointer
}

// NewCPU creates a CPU descriptor with interrupts initially disabled, the
// state a freshly bootstrapped CPU starts in.
func NewCPU(id int) *CPU {
	return &CPU{ID: id, Ints: &IntGate{}}
}

// Current returns the process descriptor currently assigned to this CPU, or
// nil if none has been assigned yet.
func (c *CPU) Current() unsafe.Pointer {
	return atomic.LoadPointer(&c.current)
}

// SetCurrent installs p as the process currently running on this CPU. It is
// called only by the scheduler's dispatcher while holding the interlock.
func (c *CPU) SetCurrent(p unsafe.Pointer) {
	atomic.StorePointer(&c.current, p)
}

// Ctx is the atomic context-save/restore primitive. A real implementation
// saves general registers, the stack pointer, instruction pointer, flags,
// and the extended-state block to memory and later resumes execution from
// that snapshot. This module has no inline assembly to do that: every
// process is already a goroutine, which the Go runtime itself treats as a
// stackful task, so Ctx reduces to parking and unparking that goroutine on
// a dedicated channel.
type Ctx struct {
	resume chan struct{}
}

// NewCtx allocates a Ctx ready for its first Save.
func NewCtx() *Ctx {
	return &Ctx{resume: make(chan struct{}, 1)}
}

// Save blocks the calling goroutine until some other goroutine calls Wake
// on this same Ctx. It is the "save" half of the save/restore pair: the
// call returns (the process is "restored") only once woken.
func (c *Ctx) Save() {
	<-c.resume
}

// Wake is the "restore" half: it resumes the goroutine blocked in Save.
// Wake never blocks waiting for the resumed goroutine to make progress —
// it only guarantees the wakeup is queued: restoring p hands control to p
// without the caller continuing on p's behalf.
func (c *Ctx) Wake() {
	select {
	case c.resume <- struct{}{}:
	default:
		// a wakeup is already queued; at most one outstanding resume is
		// ever meaningful for a cooperatively-scheduled process.
	}
}

// PinController abstracts per-pin masking on the interrupt controller: when
// an I/O-APIC-level-triggered source fires, the pin is masked to prevent
// reentry until its service routine has run. The real I/O-APIC register
// driver is out of this core's scope; sched depends only on this contract.
type PinController interface {
	Mask(pin int)
	Unmask(pin int)
}

// TriggerMode distinguishes edge- and level-triggered interrupt sources.
type TriggerMode int

const (
	Edge TriggerMode = iota
	Level
)

// Source describes one IOAPIC/local-APIC trigger configuration, recorded
// in an ISR descriptor.
type Source struct {
	Mode      TriggerMode
	IOAPIC    bool // false means local-APIC-routed rather than IOAPIC-routed
	Pin       int
	ActiveLow bool
}
