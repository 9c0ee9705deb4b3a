package sched

import (
	"fmt"
	"unsafe"

	"novakernel/arch"
	"novakernel/defs"
	"novakernel/diag"
)

// ISR is a registered interrupt service routine descriptor: the token its
// service thread needs before running, the trigger configuration used to
// mask/unmask its source, and the sleep channel its service thread waits
// on.
type ISR struct {
	Vector int
	Token  defs.Token
	Source arch.Source
	Pins   arch.PinController
	Chan   Chan
}

// RegisterISR installs an ISR descriptor at vector. It is boot-time setup,
// called before any CPU starts dispatching, so it takes the kernel mutex
// directly rather than going through the interlock dance that assumes a
// live arch.CPU.
func (k *Kernel) RegisterISR(vector int, tok defs.Token, src arch.Source, pins arch.PinController) *ISR {
	isr := &ISR{Vector: vector, Token: tok, Source: src, Pins: pins}
	isr.Chan = AddrChan(unsafe.Pointer(isr))
	<-k.mu
	k.isrs[vector] = isr
	k.mu <- struct{}{}
	diag.Vectors.Set(uint64(vector), fmt.Sprintf("vector%d", vector))
	return isr
}

// Irq records that vector fired: it masks the source pin if it is
// level-triggered and IOAPIC-routed, marks the vector pending, and returns
// without dispatching. The service thread is woken lazily, at the next
// dispatch pass, once its token is free — this core is cooperative, so an
// interrupt never itself forces an immediate context switch.
func (k *Kernel) Irq(cpu *arch.CPU, vector int) {
	k.lock(cpu)
	isr := k.isrs[vector]
	if isr == nil {
		k.unlock(cpu)
		return
	}
	if isr.Source.Mode == arch.Level && isr.Source.IOAPIC {
		isr.Pins.Mask(isr.Source.Pin)
	}
	k.pending |= 1 << uint(vector)
	k.unlock(cpu)
}

// vectorBand splits the vector space into four equal bands, one per ISR
// priority (isr_high, isr_tty, isr_net, isr_block), in ascending priority
// order.
func vectorBand(p defs.Prio_t) (lo, hi int) {
	per := defs.NrIsrVectors / 4
	band := int(p)
	return band * per, band*per + per
}

// AllocVector returns the first unused vector number in prio's band. It
// resolves the vector-assignment policy a fixed ISR table alone leaves
// open: rather than pre-wiring every vector to a fixed source at compile
// time, drivers request one from the band matching the priority they want
// serviced at.
func (k *Kernel) AllocVector(prio defs.Prio_t) (vector int, ok bool) {
	lo, hi := vectorBand(prio)
	<-k.mu
	defer func() { k.mu <- struct{}{} }()
	for v := lo; v < hi; v++ {
		if !k.isrInUse[v] {
			k.isrInUse[v] = true
			return v, true
		}
	}
	return 0, false
}
