package disasm

import "fmt"

// decoded is the result of decoding a single x86-64 instruction from a byte
// slice. Size is 0 when decoding failed (unrecognized encoding): callers
// treat that as the "unknown size" case of spec §4.C/§4.D/§4.E.
type decoded struct {
	Size        int
	Mnemonic    string
	OperandText string
	RegReads    []int
}

// reg64 maps a 3-bit register field (plus REX.B/R/X extension bit) to the
// register index space (0..15, rax..r15) used throughout the spec.
func reg64(field int, rex bool) int {
	idx := field & 7
	if rex {
		idx += 8
	}
	return idx
}

// decodeOne performs a best-effort length-disassembly of one x86-64
// instruction. It covers the common subset that a compiler-generated
// function body exercises: prologue/epilogue, moves, arithmetic, compares,
// calls, jumps (direct and indirect through ModRM), lea, push/pop, nop/ret.
// Anything outside that subset decodes with Size==0 ("unknown").
func decodeOne(b []byte) decoded {
	if len(b) == 0 {
		return decoded{}
	}

	i := 0
	rexW, rexR, rexX, rexB := false, false, false, false
	for i < len(b) {
		switch {
		case b[i] >= 0x40 && b[i] <= 0x4F:
			rex := b[i]
			rexW = rex&0x8 != 0
			rexR = rex&0x4 != 0
			rexX = rex&0x2 != 0
			rexB = rex&0x1 != 0
			i++
		case b[i] == 0x66 || b[i] == 0x67 || b[i] == 0xF2 || b[i] == 0xF3 ||
			b[i] == 0x2E || b[i] == 0x36 || b[i] == 0x3E || b[i] == 0x26 ||
			b[i] == 0x64 || b[i] == 0x65:
			i++
		default:
			goto opcode
		}
	}
opcode:
	if i >= len(b) {
		return decoded{}
	}
	op := b[i]
	i++

	regField := func(modrm byte) int { return int(modrm>>3) & 7 }
	rmField := func(modrm byte) int { return int(modrm) & 7 }

	// readModRM consumes the ModRM byte (and SIB/disp if present) starting
	// at b[i]. Returns the total bytes consumed from i, the register-field
	// index, whether the r/m operand is a register (vs memory), the r/m
	// register index when direct, and the base/index registers read when
	// memory (for read_registers).
	readModRM := func() (consumed int, regIdx int, rmIsReg bool, rmReg int, memRegs []int, operand string, ok bool) {
		if i >= len(b) {
			return 0, 0, false, 0, nil, "", false
		}
		modrm := b[i]
		consumed = 1
		mod := modrm >> 6
		rm := rmField(modrm)
		regIdx = reg64(regField(modrm), rexR)

		if mod == 3 {
			rmReg = reg64(rm, rexB)
			return consumed, regIdx, true, rmReg, nil, fmt.Sprintf("%%%s", RegisterName(rmReg)), true
		}

		base := -1
		index := -1
		disp := int64(0)
		hasDisp := false
		dispSize := 0

		if rm == 4 {
			// SIB byte follows.
			if i+consumed >= len(b) {
				return 0, 0, false, 0, nil, "", false
			}
			sib := b[i+consumed]
			consumed++
			baseField := int(sib) & 7
			indexField := int(sib>>3) & 7
			if !(indexField == 4 && !rexX) {
				index = reg64(indexField, rexX)
			}
			if baseField == 5 && mod == 0 {
				hasDisp = true
				dispSize = 4
			} else {
				base = reg64(baseField, rexB)
			}
		} else if rm == 5 && mod == 0 {
			// RIP-relative disp32; no base/index register read.
			hasDisp = true
			dispSize = 4
		} else {
			base = reg64(rm, rexB)
		}

		switch mod {
		case 1:
			hasDisp = true
			dispSize = 1
		case 2:
			hasDisp = true
			dispSize = 4
		}
		if hasDisp {
			if i+consumed+dispSize > len(b) {
				return 0, 0, false, 0, nil, "", false
			}
			disp = readSignedLE(b[i+consumed:i+consumed+dispSize], dispSize)
			consumed += dispSize
		}

		var regs []int
		if base >= 0 {
			regs = append(regs, base)
		}
		if index >= 0 {
			regs = append(regs, index)
		}
		operand = formatMemOperand(base, index, disp)
		return consumed, regIdx, false, 0, regs, operand, true
	}

	switch {
	case op == 0x90:
		return decoded{Size: i, Mnemonic: "nop"}
	case op == 0xC3:
		return decoded{Size: i, Mnemonic: "ret"}
	case op == 0xC9:
		return decoded{Size: i, Mnemonic: "leave"}
	case op == 0xCC:
		return decoded{Size: i, Mnemonic: "int3"}

	case op >= 0x50 && op <= 0x57:
		r := reg64(int(op-0x50), rexB)
		return decoded{Size: i, Mnemonic: "push", OperandText: "%" + RegisterName(r), RegReads: []int{r}}
	case op >= 0x58 && op <= 0x5F:
		r := reg64(int(op-0x58), rexB)
		return decoded{Size: i, Mnemonic: "pop", OperandText: "%" + RegisterName(r)}

	case op == 0x89 || op == 0x8B || op == 0x01 || op == 0x03 || op == 0x29 ||
		op == 0x2B || op == 0x31 || op == 0x39 || op == 0x3B || op == 0x85:
		mnem := map[byte]string{
			0x89: "mov", 0x8B: "mov", 0x01: "add", 0x03: "add",
			0x29: "sub", 0x2B: "sub", 0x31: "xor", 0x39: "cmp",
			0x3B: "cmp", 0x85: "test",
		}[op]
		toRM := op == 0x89 || op == 0x01 || op == 0x29 || op == 0x31 || op == 0x39 || op == 0x85
		consumed, regIdx, rmIsReg, rmReg, memRegs, operand, ok := readModRM()
		if !ok {
			return decoded{}
		}
		i += consumed
		reads := []int{regIdx}
		if rmIsReg {
			reads = append(reads, rmReg)
		} else {
			reads = append(reads, memRegs...)
		}
		if mnem == "mov" {
			// mov's destination is not a read; keep only source reads.
			if toRM {
				reads = []int{regIdx}
				if !rmIsReg {
					reads = memRegs
				}
			} else {
				reads = nil
				if rmIsReg {
					reads = []int{rmReg}
				} else {
					reads = memRegs
				}
			}
		}
		var text string
		if toRM {
			text = fmt.Sprintf("%%%s, %s", RegisterName(regIdx), operand)
		} else {
			text = fmt.Sprintf("%s, %%%s", operand, RegisterName(regIdx))
		}
		return decoded{Size: i, Mnemonic: mnem, OperandText: text, RegReads: reads}

	case op == 0x8D: // lea r, m
		consumed, regIdx, rmIsReg, _, memRegs, operand, ok := readModRM()
		if !ok || rmIsReg {
			return decoded{}
		}
		i += consumed
		return decoded{
			Size: i, Mnemonic: "lea",
			OperandText: fmt.Sprintf("%s, %%%s", operand, RegisterName(regIdx)),
			RegReads:    memRegs,
		}

	case op == 0x83 || op == 0x81: // group1 r/m, imm8/imm32
		consumed, _, rmIsReg, rmReg, memRegs, operand, ok := readModRM()
		if !ok {
			return decoded{}
		}
		i += consumed
		immSize := 1
		if op == 0x81 {
			immSize = 4
		}
		if i+immSize > len(b) {
			return decoded{}
		}
		imm := readSignedLE(b[i:i+immSize], immSize)
		i += immSize
		names := map[int]string{0: "add", 1: "or", 2: "adc", 3: "sbb", 4: "and", 5: "sub", 6: "xor", 7: "cmp"}
		modrm := b[i-immSize-consumed]
		mnem := names[int(modrm>>3)&7]
		reads := memRegs
		if rmIsReg {
			reads = []int{rmReg}
		}
		return decoded{
			Size: i, Mnemonic: mnem,
			OperandText: fmt.Sprintf("$%#x, %s", imm, operand),
			RegReads:    reads,
		}

	case op == 0xC7: // mov r/m, imm32
		consumed, _, rmIsReg, rmReg, memRegs, operand, ok := readModRM()
		if !ok {
			return decoded{}
		}
		i += consumed
		if i+4 > len(b) {
			return decoded{}
		}
		imm := readSignedLE(b[i:i+4], 4)
		i += 4
		reads := memRegs
		if rmIsReg {
			reads = nil // mov's r/m here is a destination register, not a read
		}
		return decoded{Size: i, Mnemonic: "mov", OperandText: fmt.Sprintf("$%#x, %s", imm, operand), RegReads: reads}

	case op >= 0xB8 && op <= 0xBF: // mov r64/r32, imm
		r := reg64(int(op-0xB8), rexB)
		sz := 4
		if rexW {
			sz = 8
		}
		if i+sz > len(b) {
			return decoded{}
		}
		imm := readSignedLE(b[i:i+sz], sz)
		i += sz
		return decoded{Size: i, Mnemonic: "mov", OperandText: fmt.Sprintf("$%#x, %%%s", imm, RegisterName(r))}

	case op == 0xE8: // call rel32
		if i+4 > len(b) {
			return decoded{}
		}
		i += 4
		return decoded{Size: i, Mnemonic: "call", OperandText: "<rel32>"}
	case op == 0xE9: // jmp rel32
		if i+4 > len(b) {
			return decoded{}
		}
		i += 4
		return decoded{Size: i, Mnemonic: "jmp", OperandText: "<rel32>"}
	case op == 0xEB: // jmp rel8
		if i+1 > len(b) {
			return decoded{}
		}
		i++
		return decoded{Size: i, Mnemonic: "jmp", OperandText: "<rel8>"}
	case op >= 0x70 && op <= 0x7F: // jcc rel8
		if i+1 > len(b) {
			return decoded{}
		}
		i++
		return decoded{Size: i, Mnemonic: jccName(op - 0x70), OperandText: "<rel8>"}
	case op == 0x0F:
		if i >= len(b) {
			return decoded{}
		}
		op2 := b[i]
		i++
		if op2 >= 0x80 && op2 <= 0x8F {
			if i+4 > len(b) {
				return decoded{}
			}
			i += 4
			return decoded{Size: i, Mnemonic: jccName(op2 - 0x80), OperandText: "<rel32>"}
		}
		return decoded{}
	case op == 0xFF: // group5: call/jmp/push indirect, inc/dec
		consumed, _, rmIsReg, rmReg, memRegs, operand, ok := readModRM()
		if !ok {
			return decoded{}
		}
		modrmByte := b[i]
		i += consumed
		ext := int(modrmByte>>3) & 7
		names := map[int]string{0: "inc", 1: "dec", 2: "call", 3: "call", 4: "jmp", 5: "jmp", 6: "push"}
		mnem, known := names[ext]
		if !known {
			return decoded{}
		}
		reads := memRegs
		if rmIsReg {
			reads = []int{rmReg}
		}
		return decoded{Size: i, Mnemonic: mnem, OperandText: operand, RegReads: reads}

	default:
		return decoded{}
	}
}

func jccName(code byte) string {
	names := []string{"jo", "jno", "jb", "jae", "je", "jne", "jbe", "ja",
		"js", "jns", "jp", "jnp", "jl", "jge", "jle", "jg"}
	if int(code) < len(names) {
		return names[code]
	}
	return "jcc"
}

func readSignedLE(b []byte, n int) int64 {
	var v int64
	for i := n - 1; i >= 0; i-- {
		v = (v << 8) | int64(b[i])
	}
	// sign-extend
	shift := uint(64 - 8*n)
	return (v << shift) >> shift
}

func formatMemOperand(base, index int, disp int64) string {
	inner := ""
	if base >= 0 {
		inner += "%" + RegisterName(base)
	}
	if index >= 0 {
		inner += ",%" + RegisterName(index) + ",1"
	}
	if disp == 0 && inner != "" {
		return fmt.Sprintf("(%s)", inner)
	}
	return fmt.Sprintf("%#x(%s)", disp, inner)
}
