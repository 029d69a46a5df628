package proc

import "golang.org/x/arch/x86/x86asm"

// TrapKind distinguishes why a fault landed in the kernel, beyond the
// ordinary present/COW/stack-growth branches vm.AddressSpace.HandleFault
// already covers (spec.md §4.5's final "else: kill" branch).
type TrapKind int

const (
	TrapPageFault TrapKind = iota
	TrapPrivilegedInstruction
	TrapUnknown
)

// ClassifyTrap decodes the faulting instruction's raw bytes to tell a
// genuine user-mode page fault apart from a user process attempting a
// privileged instruction (IN/OUT/CLI/STI/HLT and friends), which this
// kernel treats identically to any other fatal fault — kill the
// process — but reports distinctly for diagnostics.
func ClassifyTrap(instrBytes []byte) TrapKind {
	inst, err := x86asm.Decode(instrBytes, 64)
	if err != nil {
		return TrapUnknown
	}
	switch inst.Op {
	case x86asm.IN, x86asm.OUT, x86asm.CLI, x86asm.STI, x86asm.HLT, x86asm.LGDT, x86asm.LIDT:
		return TrapPrivilegedInstruction
	default:
		return TrapPageFault
	}
}
