package proc

import "testing"

func TestClassifyTrapPrivileged(t *testing.T) {
	// HLT
	if got := ClassifyTrap([]byte{0xf4}); got != TrapPrivilegedInstruction {
		t.Fatalf("expected TrapPrivilegedInstruction for HLT, got %v", got)
	}
}

func TestClassifyTrapOrdinary(t *testing.T) {
	// mov eax, ebx (0x89 0xd8)
	if got := ClassifyTrap([]byte{0x89, 0xd8}); got != TrapPageFault {
		t.Fatalf("expected TrapPageFault for an ordinary instruction, got %v", got)
	}
}
