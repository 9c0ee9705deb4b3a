package arch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// TrapFrame is the register snapshot a trap trampoline captures for an
// unhandled fault. This module defines no trap trampoline or trap handler
// that fills one in; callers build it themselves.
type TrapFrame struct {
	RIP    uint64
	RSP    uint64
	Errcd  uint64
	Vector uint64
	// Text holds up to fifteen bytes of instruction memory starting at RIP,
	// the maximum length of an x86-64 instruction, so the fault can be
	// disassembled for the panic log.
	Text []byte
}

// DescribeFault renders a TrapFrame as a one-line diagnostic, decoding the
// faulting instruction with golang.org/x/arch/x86/x86asm when possible, for
// use in a panic log. No code in this module calls it outside its tests.
func DescribeFault(tf TrapFrame) string {
	inst, err := x86asm.Decode(tf.Text, 64)
	if err != nil {
		return fmt.Sprintf("vector=%d rip=%#x rsp=%#x errcd=%#x insn=<undecodable: %v>",
			tf.Vector, tf.RIP, tf.RSP, tf.Errcd, err)
	}
	return fmt.Sprintf("vector=%d rip=%#x rsp=%#x errcd=%#x insn=%s",
		tf.Vector, tf.RIP, tf.RSP, tf.Errcd, x86asm.GNUSyntax(inst, tf.RIP, nil))
}
