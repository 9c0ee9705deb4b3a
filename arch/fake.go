package arch

import "sync"

// FakePinController is the deterministic stand-in for the I/O-APIC pin
// masking contract used by the in-memory test harness. It simply records
// the current mask state so tests can assert on it.
type FakePinController struct {
	mu     sync.Mutex
	masked map[int]bool
}

// NewFakePinController returns a controller with every pin unmasked.
func NewFakePinController() *FakePinController {
	return &FakePinController{masked: make(map[int]bool)}
}

// Mask marks pin as masked.
func (f *FakePinController) Mask(pin int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masked[pin] = true
}

// Unmask marks pin as unmasked.
func (f *FakePinController) Unmask(pin int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masked[pin] = false
}

// Masked reports whether pin is currently masked.
func (f *FakePinController) Masked(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masked[pin]
}

// FakeClock is a manually-driven timer source for deterministic tests of
// timer-tick-driven preemption: tests call Tick to simulate the local APIC
// firing its timer vector, rather than waiting on a real time.Ticker.
type FakeClock struct {
	mu   sync.Mutex
	subs []func()
}

// NewFakeClock returns an unsubscribed FakeClock.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

// Subscribe registers fire to be called on every Tick. It models installing
// the per-CPU timer-vector trampoline.
func (f *FakeClock) Subscribe(fire func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fire)
}

// Tick simulates one timer interrupt across every subscribed CPU.
func (f *FakeClock) Tick() {
	f.mu.Lock()
	subs := append([]func(){}, f.subs...)
	f.mu.Unlock()
	for _, fire := range subs {
		fire()
	}
}
