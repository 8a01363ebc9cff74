package disasm

import "strings"

// registerNames is the fixed x86-64 GPR name table, indexed 0..NumRegisters-1
// in ModRM register-field order (rax, rcx, rdx, rbx, rsp, rbp, rsi, rdi,
// r8..r15) — this is the index space the tracer's register-write changes
// (address/8) and the x86 ModRM decode in decode.go both use, which is not
// the same order the original's frontend displays registers in for humans.
var registerNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegisterName returns the architectural name of register index idx, or ""
// if idx is out of range.
func RegisterName(idx int) string {
	if idx < 0 || idx >= len(registerNames) {
		return ""
	}
	return registerNames[idx]
}

// RegisterIndex resolves a register mnemonic (case-insensitive) to its
// architectural index, or -1 if unrecognized. Used to parse a GetSlice
// request's register-mnemonic target (spec §4.E).
func RegisterIndex(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range registerNames {
		if n == name {
			return i
		}
	}
	return -1
}
